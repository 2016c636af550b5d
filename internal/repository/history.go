package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"message-coalescer/internal/domain"
)

const (
	skPrefixMsg    = "MSG#"
	skMeta         = "META#"
	historyTTL     = 30 * 24 * time.Hour
	statusComplete = "complete"
)

// convPK returns the DynamoDB partition key for a conversation's history.
func convPK(key domain.ConversationKey) string {
	return "CONV#" + key.String()
}

// msgSK orders turns chronologically and pins them to their window, so a
// retried dispatch of the same window maps onto the same item.
func msgSK(ts time.Time, windowID string) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano) + "#" + windowID
}

func (c *Client) historyTTLValue() int64 {
	return c.now().Add(historyTTL).Unix()
}

// GetHistory returns up to limit of the most recent turns in chronological order.
func (c *Client) GetHistory(ctx context.Context, key domain.ConversationKey, limit int) ([]domain.HistoryTurn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strVal(convPK(key)),
			":prefix": strVal(skPrefixMsg),
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}

	turns := make([]domain.HistoryTurn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
		}
		t.Key = key
		turns = append(turns, t)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// GetConversationTurnCount returns the persisted turn count for a conversation.
func (c *Client) GetConversationTurnCount(ctx context.Context, key domain.ConversationKey) (int, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strVal(convPK(key)),
			"SK": strVal(skMeta),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: GetConversationTurnCount get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}

	turns, err := intAttr(out.Item, "turns")
	if err != nil {
		return 0, fmt.Errorf("repository: GetConversationTurnCount decode turns: %w", err)
	}
	return turns, nil
}

// SaveTurn writes the turn and the updated metadata in one transaction. The
// turn put is conditional, so a second save of the same window fails with
// domain.ErrTurnAlreadySaved and leaves the metadata untouched.
func (c *Client) SaveTurn(ctx context.Context, turn domain.HistoryTurn, meta domain.ConversationMeta) error {
	if turn.PK == "" || turn.SK == "" {
		return errors.New("repository: SaveTurn: turn PK and SK are required")
	}
	if meta.PK == "" || meta.SK == "" {
		return errors.New("repository: SaveTurn: meta PK and SK are required")
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(turn),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      metaItem(meta),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.ErrTurnAlreadySaved
		}
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return nil
}

// SaveCompletedTurn persists an answered coalesced turn and bumps the turn count.
func (c *Client) SaveCompletedTurn(ctx context.Context, turn domain.Turn, answer string, turns int) error {
	ht := c.NewHistoryTurn(turn, answer)
	meta := c.NewConversationMeta(turn.Key, turns)
	if err := c.SaveTurn(ctx, ht, meta); err != nil {
		if errors.Is(err, domain.ErrTurnAlreadySaved) {
			return err
		}
		return fmt.Errorf("repository: SaveCompletedTurn: %w", err)
	}
	return nil
}

// NewHistoryTurn constructs a HistoryTurn keyed by the turn's window.
func (c *Client) NewHistoryTurn(turn domain.Turn, answer string) domain.HistoryTurn {
	return domain.HistoryTurn{
		PK:       convPK(turn.Key),
		SK:       msgSK(turn.FirstMessageAt, turn.WindowID),
		Key:      turn.Key,
		WindowID: turn.WindowID,
		Text:     turn.Text,
		Answer:   answer,
		Status:   statusComplete,
		TTL:      c.historyTTLValue(),
	}
}

// NewConversationMeta constructs a ConversationMeta record.
func (c *Client) NewConversationMeta(key domain.ConversationKey, turns int) domain.ConversationMeta {
	return domain.ConversationMeta{
		PK:           convPK(key),
		SK:           skMeta,
		Key:          key,
		LastActivity: c.now().UTC().Format(time.RFC3339),
		Turns:        turns,
		TTL:          c.historyTTLValue(),
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.HistoryTurn, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.HistoryTurn{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.HistoryTurn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.HistoryTurn{}, err
	}
	answer, _ := strAttr(item, "answer") // allow empty
	status, _ := strAttr(item, "status") // allow empty
	windowID, _ := strAttr(item, "windowId")

	return domain.HistoryTurn{
		PK:       pk,
		SK:       sk,
		WindowID: windowID,
		Text:     text,
		Answer:   answer,
		Status:   status,
	}, nil
}

func turnItem(t domain.HistoryTurn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         strVal(t.PK),
		"SK":         strVal(t.SK),
		"instanceId": strVal(t.Key.InstanceID),
		"userPhone":  strVal(t.Key.UserPhone),
		"windowId":   strVal(t.WindowID),
		"text":       strVal(t.Text),
		"answer":     strVal(t.Answer),
		"status":     strVal(t.Status),
		"ttl":        numVal(t.TTL),
	}
}

func metaItem(meta domain.ConversationMeta) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           strVal(meta.PK),
		"SK":           strVal(meta.SK),
		"instanceId":   strVal(meta.Key.InstanceID),
		"userPhone":    strVal(meta.Key.UserPhone),
		"lastActivity": strVal(meta.LastActivity),
		"turns":        numVal(int64(meta.Turns)),
		"ttl":          numVal(meta.TTL),
	}
}
