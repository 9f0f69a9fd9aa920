// Applies the SQL files under migrations/ to the Postgres database named
// by DATABASE_URL, one transaction per file in lexical order. A failing
// file is rolled back and reported; the remaining files still run.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding .sql migration files")
	list := flag.Bool("list", false, "list newsletter tables instead of migrating")
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	if *list {
		if err := listTables(db); err != nil {
			log.Fatalf("list tables: %v", err)
		}
		return
	}

	applied, failed, err := applyDir(db, *dir)
	if err != nil {
		log.Fatalf("apply migrations: %v", err)
	}
	log.Printf("migrations done: %d applied, %d failed", applied, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func listTables(db *sql.DB) error {
	rows, err := db.Query("SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename LIKE 'newsletter_%' ORDER BY tablename")
	if err != nil {
		return err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		fmt.Println(name)
		n++
	}
	fmt.Printf("%d newsletter tables\n", n)
	return rows.Err()
}

func applyDir(db *sql.DB, dir string) (applied, failed int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		stmts, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return applied, failed, fmt.Errorf("read %s: %w", name, err)
		}
		if strings.TrimSpace(string(stmts)) == "" {
			continue
		}
		if err := applyOne(db, string(stmts)); err != nil {
			failed++
			log.Printf("%s: %v", name, err)
			continue
		}
		applied++
		log.Printf("%s: ok", name)
	}
	return applied, failed, nil
}

// applyOne runs a whole migration file inside a single transaction.
func applyOne(db *sql.DB, stmts string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(stmts); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
