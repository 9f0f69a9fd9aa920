// Package dynamo implements the subscriber store against DynamoDB.
//
// One table holds everything, keyed by email; event and broadcast rows
// overload the key with an EVENT#/BROADCAST# prefix. Token lookups go
// through sparse GSIs, and every state transition is an UpdateItem whose
// ConditionExpression encodes the expected prior state.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/lumenfolio/newsletter-engine/internal/domain"
	"github.com/lumenfolio/newsletter-engine/internal/newsletter"
)

const (
	confirmTokenIndex = "confirmation-token-index"
	unsubTokenIndex   = "unsubscribe-token-index"
	statusIndex       = "status-index"
)

// API is the slice of the DynamoDB client the store uses. Tests substitute
// a fake; production passes *dynamodb.Client.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// SubscriberStore implements newsletter.Store against DynamoDB.
type SubscriberStore struct {
	client API
	table  string
}

// NewSubscriberStore wraps an existing client.
func NewSubscriberStore(client API, table string) *SubscriberStore {
	return &SubscriberStore{client: client, table: table}
}

// Connect loads AWS config for region and returns a store on table.
func Connect(ctx context.Context, table, region string) (*SubscriberStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewSubscriberStore(dynamodb.NewFromConfig(cfg), table), nil
}

type subscriberItem struct {
	Email             string            `dynamodbav:"email"`
	Status            string            `dynamodbav:"status"`
	ConfirmationToken string            `dynamodbav:"confirmation_token,omitempty"`
	UnsubscribeToken  string            `dynamodbav:"unsubscribe_token"`
	Source            string            `dynamodbav:"source,omitempty"`
	Metadata          map[string]string `dynamodbav:"metadata,omitempty"`
	SubscribedAt      time.Time         `dynamodbav:"subscribed_at"`
	ConfirmedAt       *time.Time        `dynamodbav:"confirmed_at,omitempty"`
	UnsubscribedAt    *time.Time        `dynamodbav:"unsubscribed_at,omitempty"`
	UpdatedAt         time.Time         `dynamodbav:"updated_at"`
}

func toItem(sub *domain.Subscriber) subscriberItem {
	return subscriberItem{
		Email:             sub.Email,
		Status:            string(sub.Status),
		ConfirmationToken: sub.ConfirmationToken,
		UnsubscribeToken:  sub.UnsubscribeToken,
		Source:            sub.Source,
		Metadata:          sub.Metadata,
		SubscribedAt:      sub.SubscribedAt,
		ConfirmedAt:       sub.ConfirmedAt,
		UnsubscribedAt:    sub.UnsubscribedAt,
		UpdatedAt:         sub.UpdatedAt,
	}
}

func (i subscriberItem) toDomain() *domain.Subscriber {
	return &domain.Subscriber{
		Email:             i.Email,
		Status:            domain.SubscriberStatus(i.Status),
		ConfirmationToken: i.ConfirmationToken,
		UnsubscribeToken:  i.UnsubscribeToken,
		Source:            i.Source,
		Metadata:          i.Metadata,
		SubscribedAt:      i.SubscribedAt,
		ConfirmedAt:       i.ConfirmedAt,
		UnsubscribedAt:    i.UnsubscribedAt,
		UpdatedAt:         i.UpdatedAt,
	}
}

func emailKey(email string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"email": &types.AttributeValueMemberS{Value: email},
	}
}

func (s *SubscriberStore) GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       emailKey(email),
	})
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	if out.Item == nil {
		return nil, newsletter.ErrNotFound
	}
	var item subscriberItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber: %w", err)
	}
	return item.toDomain(), nil
}

func (s *SubscriberStore) GetByUnsubscribeToken(ctx context.Context, token string) (*domain.Subscriber, error) {
	return s.queryByToken(ctx, unsubTokenIndex, "unsubscribe_token", token)
}

func (s *SubscriberStore) queryByToken(ctx context.Context, index, attr, token string) (*domain.Subscriber, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(index),
		KeyConditionExpression: aws.String("#t = :tok"),
		ExpressionAttributeNames: map[string]string{
			"#t": attr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tok": &types.AttributeValueMemberS{Value: token},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", index, err)
	}
	if len(out.Items) == 0 {
		return nil, newsletter.ErrNotFound
	}
	var item subscriberItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber: %w", err)
	}
	return item.toDomain(), nil
}

func (s *SubscriberStore) Insert(ctx context.Context, sub *domain.Subscriber) error {
	av, err := attributevalue.MarshalMap(toItem(sub))
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(email)"),
	})
	if conditionFailed(err) {
		return newsletter.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

func (s *SubscriberStore) Reactivate(ctx context.Context, email, confirmationToken, unsubscribeToken string) error {
	now := time.Now().UTC()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       emailKey(email),
		UpdateExpression: aws.String(
			"SET #s = :pending, confirmation_token = :ct, unsubscribe_token = :ut, subscribed_at = :now, updated_at = :now REMOVE confirmed_at, unsubscribed_at"),
		ConditionExpression: aws.String("attribute_exists(email) AND #s = :unsub"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(domain.SubscriberPending)},
			":unsub":   &types.AttributeValueMemberS{Value: string(domain.SubscriberUnsubscribed)},
			":ct":      &types.AttributeValueMemberS{Value: confirmationToken},
			":ut":      &types.AttributeValueMemberS{Value: unsubscribeToken},
			":now":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if conditionFailed(err) {
		if _, getErr := s.GetByEmail(ctx, email); getErr == newsletter.ErrNotFound {
			return newsletter.ErrNotFound
		}
		return newsletter.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("reactivate subscriber: %w", err)
	}
	return nil
}

func (s *SubscriberStore) Confirm(ctx context.Context, confirmationToken string) (*domain.Subscriber, error) {
	sub, err := s.queryByToken(ctx, confirmTokenIndex, "confirmation_token", confirmationToken)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       emailKey(sub.Email),
		UpdateExpression: aws.String(
			"SET #s = :confirmed, confirmed_at = :now, updated_at = :now REMOVE confirmation_token"),
		ConditionExpression: aws.String("confirmation_token = :tok AND #s = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":confirmed": &types.AttributeValueMemberS{Value: string(domain.SubscriberConfirmed)},
			":pending":   &types.AttributeValueMemberS{Value: string(domain.SubscriberPending)},
			":tok":       &types.AttributeValueMemberS{Value: confirmationToken},
			":now":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	// Lost the race against another confirm of the same token: the token is
	// burned, so the outcome is the same as never having matched.
	if conditionFailed(err) {
		return nil, newsletter.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("confirm subscriber: %w", err)
	}

	var item subscriberItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber: %w", err)
	}
	return item.toDomain(), nil
}

func (s *SubscriberStore) Unsubscribe(ctx context.Context, unsubscribeToken string) (*domain.Subscriber, error) {
	sub, err := s.queryByToken(ctx, unsubTokenIndex, "unsubscribe_token", unsubscribeToken)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       emailKey(sub.Email),
		UpdateExpression: aws.String(
			"SET #s = :unsub, unsubscribed_at = :now, updated_at = :now"),
		ConditionExpression: aws.String("unsubscribe_token = :tok AND #s <> :unsub"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":unsub": &types.AttributeValueMemberS{Value: string(domain.SubscriberUnsubscribed)},
			":tok":   &types.AttributeValueMemberS{Value: unsubscribeToken},
			":now":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	// The token survives unsubscribing, so a failed condition here means
	// the record exists but is already out.
	if conditionFailed(err) {
		return nil, newsletter.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("unsubscribe subscriber: %w", err)
	}

	var item subscriberItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber: %w", err)
	}
	return item.toDomain(), nil
}

func (s *SubscriberStore) ListConfirmed(ctx context.Context) ([]domain.Subscriber, error) {
	var out []domain.Subscriber
	var startKey map[string]types.AttributeValue
	for {
		page, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(statusIndex),
			KeyConditionExpression: aws.String("#s = :confirmed"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":confirmed": &types.AttributeValueMemberS{Value: string(domain.SubscriberConfirmed)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("list confirmed: %w", err)
		}
		var items []subscriberItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal subscribers: %w", err)
		}
		for _, it := range items {
			out = append(out, *it.toDomain())
		}
		if page.LastEvaluatedKey == nil {
			return out, nil
		}
		startKey = page.LastEvaluatedKey
	}
}

type eventItem struct {
	Email     string            `dynamodbav:"email"` // EVENT#<id>
	Type      string            `dynamodbav:"event_type"`
	Subject   string            `dynamodbav:"subject_email"`
	Metadata  map[string]string `dynamodbav:"metadata,omitempty"`
	CreatedAt time.Time         `dynamodbav:"created_at"`
}

func (s *SubscriberStore) RecordEvent(ctx context.Context, ev *domain.AnalyticsEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	av, err := attributevalue.MarshalMap(eventItem{
		Email:     "EVENT#" + ev.ID,
		Type:      string(ev.Type),
		Subject:   ev.Email,
		Metadata:  ev.Metadata,
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

type broadcastItem struct {
	Email         string    `dynamodbav:"email"` // BROADCAST#<id>
	Subject       string    `dynamodbav:"subject"`
	TotalTargeted int       `dynamodbav:"total_targeted"`
	TotalSent     int       `dynamodbav:"total_sent"`
	TotalFailed   int       `dynamodbav:"total_failed"`
	IsTest        bool      `dynamodbav:"is_test"`
	SentAt        time.Time `dynamodbav:"sent_at"`
}

func (s *SubscriberStore) SaveBroadcast(ctx context.Context, b *domain.BroadcastSummary) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	av, err := attributevalue.MarshalMap(broadcastItem{
		Email:         "BROADCAST#" + b.ID,
		Subject:       b.Subject,
		TotalTargeted: b.TotalTargeted,
		TotalSent:     b.TotalSent,
		TotalFailed:   b.TotalFailed,
		IsTest:        b.IsTest,
		SentAt:        b.SentAt,
	})
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("save broadcast: %w", err)
	}
	return nil
}

func (s *SubscriberStore) CountByStatus(ctx context.Context) (map[domain.SubscriberStatus]int, error) {
	counts := map[domain.SubscriberStatus]int{}
	for _, st := range []domain.SubscriberStatus{
		domain.SubscriberPending, domain.SubscriberConfirmed, domain.SubscriberUnsubscribed,
	} {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(statusIndex),
			KeyConditionExpression: aws.String("#s = :st"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":st": &types.AttributeValueMemberS{Value: string(st)},
			},
			Select: types.SelectCount,
		})
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", st, err)
		}
		counts[st] = int(out.Count)
	}
	return counts, nil
}

func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
