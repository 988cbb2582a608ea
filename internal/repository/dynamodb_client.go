package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"policy-agent/internal/domain"
)

const (
	skPrefixExchange = "EXCH#"
	defaultTTL       = 30 * 24 * time.Hour
	maxErrorChars    = 512
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client writes relay exchange audit records to a single DynamoDB table
// keyed by agent.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// New creates a repository Client. A non-positive ttl selects 30 days.
func New(api dynamodbAPI, tableName string, ttl time.Duration) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Client{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

func agentPK(agentID string) string {
	return "AGENT#" + agentID
}

// exchangeSK orders records chronologically; the id keeps same-instant
// records distinct.
func exchangeSK(ts time.Time, id string) string {
	return skPrefixExchange + ts.UTC().Format(time.RFC3339Nano) + "#" + id
}

// NewExchange fills the keys, timestamp and TTL of an audit record.
func (c *Client) NewExchange(ex domain.Exchange) domain.Exchange {
	now := c.now().UTC()
	ex.PK = agentPK(ex.AgentID)
	ex.SK = exchangeSK(now, ex.ID)
	ex.CreatedAt = now.Format(time.RFC3339)
	ex.TTL = now.Add(c.ttl).Unix()
	return ex
}

// RecordExchange stores one audit record. Existing items are never overwritten.
func (c *Client) RecordExchange(ctx context.Context, ex domain.Exchange) error {
	if strings.TrimSpace(ex.AgentID) == "" || strings.TrimSpace(ex.ID) == "" {
		return errors.New("repository: RecordExchange: agent id and exchange id are required")
	}
	ex = c.NewExchange(ex)

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                exchangeItem(ex),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: RecordExchange: %w", err)
	}
	return nil
}

// RecentExchanges returns up to limit records for an agent, oldest first.
func (c *Client) RecentExchanges(ctx context.Context, agentID string, limit int) ([]domain.Exchange, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errors.New("repository: RecentExchanges: agent id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: agentPK(agentID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixExchange},
		},
		// Newest first so the limit keeps the most recent records.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: RecentExchanges query: %w", err)
	}

	exchanges := make([]domain.Exchange, 0, len(out.Items))
	for _, item := range out.Items {
		ex, err := itemToExchange(item)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentExchanges unmarshal: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	for i, j := 0, len(exchanges)-1; i < j; i, j = i+1, j-1 {
		exchanges[i], exchanges[j] = exchanges[j], exchanges[i]
	}
	return exchanges, nil
}

func exchangeItem(ex domain.Exchange) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: ex.PK},
		"SK":             &types.AttributeValueMemberS{Value: ex.SK},
		"exchangeId":     &types.AttributeValueMemberS{Value: ex.ID},
		"agentId":        &types.AttributeValueMemberS{Value: ex.AgentID},
		"success":        &types.AttributeValueMemberBOOL{Value: ex.Success},
		"upstreamStatus": &types.AttributeValueMemberN{Value: strconv.Itoa(ex.UpstreamStatus)},
		"messageChars":   &types.AttributeValueMemberN{Value: strconv.Itoa(ex.MessageChars)},
		"createdAt":      &types.AttributeValueMemberS{Value: ex.CreatedAt},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ex.TTL, 10)},
	}
	if ex.CorrelationID != "" {
		item["correlationId"] = &types.AttributeValueMemberS{Value: ex.CorrelationID}
	}
	if ex.AuthScheme != "" {
		item["authScheme"] = &types.AttributeValueMemberS{Value: ex.AuthScheme}
	}
	if ex.Error != "" {
		item["error"] = &types.AttributeValueMemberS{Value: truncateRunes(ex.Error, maxErrorChars)}
	}
	return item
}

func itemToExchange(item map[string]types.AttributeValue) (domain.Exchange, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Exchange{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Exchange{}, err
	}
	id, err := strAttr(item, "exchangeId")
	if err != nil {
		return domain.Exchange{}, err
	}
	agentID, err := strAttr(item, "agentId")
	if err != nil {
		return domain.Exchange{}, err
	}
	status, err := intAttr(item, "upstreamStatus")
	if err != nil {
		return domain.Exchange{}, err
	}
	success, _ := boolAttr(item, "success")
	chars, _ := intAttr(item, "messageChars")
	correlationID, _ := strAttr(item, "correlationId")
	scheme, _ := strAttr(item, "authScheme")
	errText, _ := strAttr(item, "error")
	createdAt, _ := strAttr(item, "createdAt")
	ttl, _ := intAttr(item, "ttl")

	return domain.Exchange{
		PK:             pk,
		SK:             sk,
		ID:             id,
		CorrelationID:  correlationID,
		AgentID:        agentID,
		Success:        success,
		UpstreamStatus: status,
		AuthScheme:     scheme,
		Error:          errText,
		MessageChars:   chars,
		CreatedAt:      createdAt,
		TTL:            int64(ttl),
	}, nil
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

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a boolean", key)
	}
	return b.Value, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
