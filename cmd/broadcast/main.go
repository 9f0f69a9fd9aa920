// One-shot broadcast runner: sends an issue to every confirmed subscriber
// from the command line instead of the HTTP trigger. Content comes from a
// file, stdin, or the site RSS feed.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/lumenfolio/newsletter-engine/internal/broadcast"
	"github.com/lumenfolio/newsletter-engine/internal/config"
	"github.com/lumenfolio/newsletter-engine/internal/gateway/mailtrap"
	"github.com/lumenfolio/newsletter-engine/internal/gateway/ses"
	"github.com/lumenfolio/newsletter-engine/internal/newsletter"
	"github.com/lumenfolio/newsletter-engine/internal/pkg/logger"
	"github.com/lumenfolio/newsletter-engine/internal/repository/dynamo"
	"github.com/lumenfolio/newsletter-engine/internal/repository/postgres"
	"github.com/lumenfolio/newsletter-engine/internal/templates"
)

func main() {
	var (
		configPath  = flag.String("config", "config/config.yaml", "config file path")
		subject     = flag.String("subject", "", "email subject (required unless -from-feed)")
		contentFile = flag.String("content", "", "HTML content file, or - for stdin")
		fromFeed    = flag.Bool("from-feed", false, "draft the issue from the configured RSS feed")
		feedItems   = flag.Int("feed-items", 5, "number of feed entries to include")
		isTest      = flag.Bool("test", false, "mark the send as a test")
		dryRun      = flag.Bool("dry-run", false, "print what would be sent without dispatching")
	)
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()

	sendSubject, html, err := resolveContent(ctx, cfg, *subject, *contentFile, *fromFeed, *feedItems)
	if err != nil {
		log.Fatalf("resolve content: %v", err)
	}

	store, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("connect store: %v", err)
	}
	defer cleanup()

	if *dryRun {
		subs, err := store.ListConfirmed(ctx)
		if err != nil {
			log.Fatalf("list confirmed: %v", err)
		}
		fmt.Printf("dry run: %q would go to %d confirmed subscribers (%d bytes of HTML)\n",
			sendSubject, len(subs), len(html))
		return
	}

	var gateway newsletter.Gateway
	if cfg.SES.Enabled {
		gateway, err = ses.NewGateway(ctx, cfg.SES)
		if err != nil {
			log.Fatalf("create SES gateway: %v", err)
		}
	} else {
		gateway = mailtrap.NewGateway(cfg.Mailtrap)
	}

	links := newsletter.LinkConfig{
		APIBaseURL: cfg.Newsletter.APIBaseURL,
		SiteName:   cfg.Newsletter.FromName,
		FromName:   cfg.Newsletter.FromName,
		FromEmail:  cfg.Newsletter.FromEmail,
		ReplyTo:    cfg.Newsletter.ReplyTo,
	}
	processor := broadcast.NewProcessor(store, gateway, templates.New(), links,
		cfg.Newsletter.BatchSize, cfg.Newsletter.BatchDelay())

	start := time.Now()
	res, err := processor.Broadcast(ctx, sendSubject, html, *isTest)
	if err != nil {
		log.Fatalf("broadcast: %v", err)
	}
	fmt.Printf("%s\n  sent=%d failed=%d targeted=%d elapsed=%s\n",
		res.Message, res.TotalSent, res.TotalFailed, res.TotalTargeted,
		time.Since(start).Round(time.Second))
}

func resolveContent(ctx context.Context, cfg *config.Config, subject, contentFile string, fromFeed bool, feedItems int) (string, string, error) {
	if fromFeed {
		if cfg.Newsletter.FeedURL == "" {
			return "", "", fmt.Errorf("-from-feed requires feed_url in config")
		}
		draft, err := broadcast.NewDrafter().DraftFromFeed(ctx, cfg.Newsletter.FeedURL, feedItems)
		if err != nil {
			return "", "", err
		}
		if subject != "" {
			return subject, draft.HTML, nil
		}
		return draft.Subject, draft.HTML, nil
	}

	if subject == "" || contentFile == "" {
		return "", "", fmt.Errorf("-subject and -content are required (or use -from-feed)")
	}
	var data []byte
	var err error
	if contentFile == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(contentFile)
	}
	if err != nil {
		return "", "", err
	}
	return subject, string(data), nil
}

func buildStore(ctx context.Context, cfg *config.Config) (newsletter.Store, func(), error) {
	if cfg.Dynamo.Enabled {
		store, err := dynamo.Connect(ctx, cfg.Dynamo.Table, cfg.Dynamo.Region)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return postgres.NewSubscriberStore(db), func() { db.Close() }, nil
}
