package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const skDedup = "DEDUP"

func dedupPK(fingerprint string) string {
	return "DEDUP#" + fingerprint
}

// Seen reports whether fingerprint was recorded at or after since. Records
// that DynamoDB has not yet purged past their ttl are ignored.
func (c *Client) Seen(ctx context.Context, fingerprint string, since time.Time) (bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": strVal(dedupPK(fingerprint)),
			"SK": strVal(skDedup),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: Seen get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return false, nil
	}
	seenAt, err := timeAttr(out.Item, "seenAt")
	if err != nil {
		return false, fmt.Errorf("repository: Seen decode: %w", err)
	}
	if ttl, err := int64Attr(out.Item, "ttl"); err == nil && time.Unix(ttl, 0).Before(c.now()) {
		return false, nil
	}
	return !seenAt.Before(since), nil
}

// Record stores fingerprint as seen. Last write wins.
func (c *Client) Record(ctx context.Context, fingerprint string, seenAt, expiresAt time.Time) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":     strVal(dedupPK(fingerprint)),
			"SK":     strVal(skDedup),
			"seenAt": timeVal(seenAt),
			"ttl":    numVal(expiresAt.Unix()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Record: %w", err)
	}
	return nil
}
