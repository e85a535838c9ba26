package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"line-agent-relay/internal/domain"
)

const (
	pkPrefixSession = "SESSION#"
	skHistory       = "HISTORY"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// HistoryReadWriter defines the conversation history operations consumed by
// the relay pipeline.
type HistoryReadWriter interface {
	Load(ctx context.Context, sessionKey string) ([]domain.ChatMessage, error)
	Save(ctx context.Context, sessionKey string, turns []domain.ChatMessage) error
}

// Store keeps one bounded, expiring conversation window per session key in a
// DynamoDB table. The store owns no in-process state; concurrent writers to
// the same key resolve last-write-wins.
type Store struct {
	api       dynamodbAPI
	tableName string
	maxTurns  int
	ttl       time.Duration
}

// New creates a history Store over the given table. maxTurns bounds the
// window; ttl is the sliding inactivity expiry applied on every Save.
func New(api dynamodbAPI, tableName string, maxTurns int, ttl time.Duration) (*Store, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if maxTurns <= 0 {
		return nil, errors.New("repository: max turns must be positive")
	}
	if ttl <= 0 {
		return nil, errors.New("repository: ttl must be positive")
	}
	return &Store{api: api, tableName: tableName, maxTurns: maxTurns, ttl: ttl}, nil
}

func sessionPK(sessionKey string) string {
	return pkPrefixSession + sessionKey
}

// Load returns the stored window for sessionKey, or an empty slice when no
// item exists or the item's TTL has lapsed. DynamoDB reaps expired items
// lazily, so a read can still see them; they are filtered here so expiry is
// indistinguishable from absence.
func (s *Store) Load(ctx context.Context, sessionKey string) ([]domain.ChatMessage, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionKey)},
			"SK": &types.AttributeValueMemberS{Value: skHistory},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return []domain.ChatMessage{}, nil
	}

	expiry, err := intAttr(out.Item, "ttl")
	if err != nil {
		return nil, fmt.Errorf("repository: Load decode ttl: %w", err)
	}
	if time.Unix(expiry, 0).Before(time.Now()) {
		return []domain.ChatMessage{}, nil
	}

	raw, err := strAttr(out.Item, "turns")
	if err != nil {
		return nil, fmt.Errorf("repository: Load decode turns: %w", err)
	}
	var turns []domain.ChatMessage
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("repository: Load unmarshal turns: %w", err)
	}
	return turns, nil
}

// Save writes the window for sessionKey, truncated to the last maxTurns
// turns, with a fresh TTL measured from now. Every write renews the TTL, so
// expiry tracks last activity rather than absolute age.
func (s *Store) Save(ctx context.Context, sessionKey string, turns []domain.ChatMessage) error {
	window := Window(turns, s.maxTurns)
	raw, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("repository: Save marshal turns: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: sessionPK(sessionKey)},
			"SK":        &types.AttributeValueMemberS{Value: skHistory},
			"turns":     &types.AttributeValueMemberS{Value: string(raw)},
			"updatedAt": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(s.ttl).Unix(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Save put item: %w", err)
	}
	return nil
}

// Window returns the last max turns of the sequence, oldest dropped first.
func Window(turns []domain.ChatMessage, max int) []domain.ChatMessage {
	if max <= 0 || len(turns) <= max {
		return turns
	}
	return turns[len(turns)-max:]
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
