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
	skPrefixWindow  = "WIN#"
	skPrefixMessage = "MSGID#"
)

// bufPK returns the partition key holding every window of a conversation.
func bufPK(key domain.ConversationKey) string {
	return "BUF#" + key.String()
}

// windowSK zero-pads seq so windows sort numerically within the partition.
func windowSK(seq int64) string {
	return fmt.Sprintf("%s%020d", skPrefixWindow, seq)
}

// messageSK keys the marker that indexes a buffered message id to its window.
func messageSK(messageID string) string {
	return skPrefixMessage + messageID
}

// GetCurrent returns the conversation's highest-numbered window.
func (c *Client) GetCurrent(ctx context.Context, key domain.ConversationKey) (domain.BufferEntry, bool, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strVal(bufPK(key)),
			":prefix": strVal(skPrefixWindow),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return domain.BufferEntry{}, false, fmt.Errorf("repository: GetCurrent query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return domain.BufferEntry{}, false, nil
	}
	entry, err := itemToEntry(out.Items[0])
	if err != nil {
		return domain.BufferEntry{}, false, fmt.Errorf("repository: GetCurrent decode: %w", err)
	}
	return entry, true, nil
}

// GetWindow returns one specific window of a conversation.
func (c *Client) GetWindow(ctx context.Context, key domain.ConversationKey, seq int64) (domain.BufferEntry, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strVal(bufPK(key)),
			"SK": strVal(windowSK(seq)),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.BufferEntry{}, false, fmt.Errorf("repository: GetWindow get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.BufferEntry{}, false, nil
	}
	entry, err := itemToEntry(out.Item)
	if err != nil {
		return domain.BufferEntry{}, false, fmt.Errorf("repository: GetWindow decode: %w", err)
	}
	return entry, true, nil
}

// AddMessage writes entry and the marker for its last message in one
// transaction. The marker put fails if the id is already indexed for the
// conversation; the window put either creates the slot (expected 0) or is
// guarded on version.
func (c *Client) AddMessage(ctx context.Context, expected int64, entry domain.BufferEntry) (bool, error) {
	if err := entry.Key.Validate(); err != nil {
		return false, fmt.Errorf("repository: AddMessage: %w", err)
	}
	if entry.Seq <= 0 {
		return false, fmt.Errorf("repository: AddMessage: seq must be positive, got %d", entry.Seq)
	}
	if len(entry.Messages) == 0 {
		return false, errors.New("repository: AddMessage: entry has no messages")
	}
	entry.Version = expected + 1

	window := &types.Put{
		TableName: aws.String(c.tableName),
		Item:      entryItem(entry),
	}
	if expected == 0 {
		window.ConditionExpression = aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)")
	} else {
		window.ConditionExpression = aws.String("attribute_exists(PK) AND #ver = :expected")
		window.ExpressionAttributeNames = map[string]string{"#ver": "version"}
		window.ExpressionAttributeValues = map[string]types.AttributeValue{":expected": numVal(expected)}
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                markerItem(entry),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{Put: window},
		},
	})
	if err != nil {
		if conditionFailedAt(err, 0) {
			return false, domain.ErrMessageBuffered
		}
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: AddMessage: %w", err)
	}
	return true, nil
}

// MessageSeq returns the window a message id was buffered into. Markers past
// their ttl count as absent; DynamoDB deletes them lazily.
func (c *Client) MessageSeq(ctx context.Context, key domain.ConversationKey, messageID string) (int64, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strVal(bufPK(key)),
			"SK": strVal(messageSK(messageID)),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, false, fmt.Errorf("repository: MessageSeq get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, false, nil
	}
	if ttl, err := int64Attr(out.Item, "ttl"); err == nil && ttl <= c.now().Unix() {
		return 0, false, nil
	}
	seq, err := int64Attr(out.Item, "seq")
	if err != nil {
		return 0, false, fmt.Errorf("repository: MessageSeq decode: %w", err)
	}
	return seq, true, nil
}

// CompareAndSet replaces the window with entry, stamped expected+1, only if the
// stored version still equals expected.
func (c *Client) CompareAndSet(ctx context.Context, expected int64, entry domain.BufferEntry) (bool, error) {
	if err := entry.Key.Validate(); err != nil {
		return false, fmt.Errorf("repository: CompareAndSet: %w", err)
	}
	entry.Version = expected + 1

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                entryItem(entry),
		ConditionExpression: aws.String("attribute_exists(PK) AND #ver = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#ver": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": numVal(expected),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: CompareAndSet: %w", err)
	}
	return true, nil
}

// Delete removes a window. Best effort: the ttl attribute is authoritative.
func (c *Client) Delete(ctx context.Context, key domain.ConversationKey, seq int64) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strVal(bufPK(key)),
			"SK": strVal(windowSK(seq)),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

// List returns every buffer window in the table. Intended for the sweep and
// monitoring, not for the ingest path.
func (c *Client) List(ctx context.Context) ([]domain.BufferEntry, error) {
	p := dynamodb.NewScanPaginator(c.api, &dynamodb.ScanInput{
		TableName:        aws.String(c.tableName),
		FilterExpression: aws.String("begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": strVal(skPrefixWindow),
		},
	})

	var entries []domain.BufferEntry
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: List scan: %w", err)
		}
		for _, item := range page.Items {
			entry, err := itemToEntry(item)
			if err != nil {
				return nil, fmt.Errorf("repository: List decode: %w", err)
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func entryItem(e domain.BufferEntry) map[string]types.AttributeValue {
	msgs := make([]types.AttributeValue, 0, len(e.Messages))
	for _, m := range e.Messages {
		msgs = append(msgs, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"id":         strVal(m.ID),
			"content":    strVal(m.Content),
			"type":       strVal(m.Type),
			"receivedAt": timeVal(m.ReceivedAt),
		}})
	}

	item := map[string]types.AttributeValue{
		"PK":               strVal(bufPK(e.Key)),
		"SK":               strVal(windowSK(e.Seq)),
		"instanceId":       strVal(e.Key.InstanceID),
		"userPhone":        strVal(e.Key.UserPhone),
		"seq":              numVal(e.Seq),
		"windowId":         strVal(e.WindowID),
		"state":            strVal(string(e.State)),
		"version":          numVal(e.Version),
		"messages":         &types.AttributeValueMemberL{Value: msgs},
		"firstMessageAt":   timeVal(e.FirstMessageAt),
		"lastMessageAt":    timeVal(e.LastMessageAt),
		"dispatchDeadline": timeVal(e.DispatchDeadline),
		"attempts":         numVal(int64(e.Attempts)),
	}
	// A zero TTL keeps the item until it is deleted explicitly.
	if !e.TTLExpiresAt.IsZero() {
		item["ttl"] = numVal(e.TTLExpiresAt.Unix())
	}
	if !e.ClaimedAt.IsZero() {
		item["claimedAt"] = timeVal(e.ClaimedAt)
	}
	if !e.DispatchedAt.IsZero() {
		item["dispatchedAt"] = timeVal(e.DispatchedAt)
	}
	if e.LastError != "" {
		item["lastError"] = strVal(e.LastError)
	}
	return item
}

func markerItem(e domain.BufferEntry) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":  strVal(bufPK(e.Key)),
		"SK":  strVal(messageSK(e.Messages[len(e.Messages)-1].ID)),
		"seq": numVal(e.Seq),
	}
	if !e.TTLExpiresAt.IsZero() {
		item["ttl"] = numVal(e.TTLExpiresAt.Unix())
	}
	return item
}

func itemToEntry(item map[string]types.AttributeValue) (domain.BufferEntry, error) {
	var (
		e   domain.BufferEntry
		err error
	)
	if e.Key.InstanceID, err = strAttr(item, "instanceId"); err != nil {
		return domain.BufferEntry{}, err
	}
	if e.Key.UserPhone, err = strAttr(item, "userPhone"); err != nil {
		return domain.BufferEntry{}, err
	}
	if e.Seq, err = int64Attr(item, "seq"); err != nil {
		return domain.BufferEntry{}, err
	}
	if e.Version, err = int64Attr(item, "version"); err != nil {
		return domain.BufferEntry{}, err
	}
	state, err := strAttr(item, "state")
	if err != nil {
		return domain.BufferEntry{}, err
	}
	e.State = domain.State(state)
	if !e.State.Valid() {
		return domain.BufferEntry{}, fmt.Errorf("repository: unknown state %q", state)
	}
	e.WindowID, _ = strAttr(item, "windowId")
	e.LastError, _ = strAttr(item, "lastError") // allow empty
	e.Attempts, _ = intAttr(item, "attempts")

	for attr, dst := range map[string]*time.Time{
		"firstMessageAt":   &e.FirstMessageAt,
		"lastMessageAt":    &e.LastMessageAt,
		"dispatchDeadline": &e.DispatchDeadline,
		"claimedAt":        &e.ClaimedAt,
		"dispatchedAt":     &e.DispatchedAt,
	} {
		if *dst, err = timeAttr(item, attr); err != nil {
			return domain.BufferEntry{}, err
		}
	}
	if ttl, err := int64Attr(item, "ttl"); err == nil {
		e.TTLExpiresAt = time.Unix(ttl, 0).UTC()
	}

	list, ok := item["messages"].(*types.AttributeValueMemberL)
	if !ok {
		return domain.BufferEntry{}, fmt.Errorf("repository: attribute %q is not a list", "messages")
	}
	e.Messages = make([]domain.Message, 0, len(list.Value))
	for i, v := range list.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.BufferEntry{}, fmt.Errorf("repository: message %d is not a map", i)
		}
		msg, err := itemToMessage(m.Value)
		if err != nil {
			return domain.BufferEntry{}, fmt.Errorf("repository: message %d: %w", i, err)
		}
		e.Messages = append(e.Messages, msg)
	}
	return e, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	content, _ := strAttr(item, "content") // media messages may carry no text
	typ, _ := strAttr(item, "type")
	receivedAt, err := timeAttr(item, "receivedAt")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{ID: id, Content: content, Type: typ, ReceivedAt: receivedAt}, nil
}
