package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pocketchat/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL

	// skTimeLayout is fixed width so sort keys order chronologically.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// ErrMessageNotFound is returned when a patch addresses a message that was
// never appended.
var ErrMessageNotFound = errors.New("repository: message not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding chat sessions.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// Session returns the message store of one chat session.
func (c *Client) Session(sessionID string) (*SessionStore, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("repository: session id must not be empty")
	}
	return &SessionStore{client: c, sessionID: sessionID}, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// msgSK returns the sort key of a message.
func msgSK(key domain.MessageKey) string {
	return skPrefixMsg + key.CreatedAt.UTC().Format(skTimeLayout) + "#" + key.ID
}

// ttlValue returns a Unix timestamp 30 days after now.
func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// SessionStore persists the ordered message list of one session. It
// implements the session manager's state store.
type SessionStore struct {
	client    *Client
	sessionID string
}

func (s *SessionStore) SessionID() string {
	return s.sessionID
}

// AppendMessage writes msg and touches the session meta record in one
// transaction. Appending the same key twice fails.
func (s *SessionStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	if strings.TrimSpace(msg.ID) == "" || msg.CreatedAt.IsZero() {
		return errors.New("repository: AppendMessage: message id and creation time are required")
	}
	c := s.client
	now := c.now().UTC()
	pk := sessionPK(s.sessionID)

	metaUpdate := "SET lastActivity = :now, #ttl = :ttl ADD #messages :one"
	metaValues := map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(now), 10)},
		":one": &types.AttributeValueMemberN{Value: "1"},
	}
	if msg.Metadata.ConversationID != "" {
		metaUpdate = "SET lastActivity = :now, #ttl = :ttl, conversationId = :cid ADD #messages :one"
		metaValues[":cid"] = &types.AttributeValueMemberS{Value: msg.Metadata.ConversationID}
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(pk, msg, ttlValue(now)),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: pk},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression:          aws.String(metaUpdate),
					ExpressionAttributeNames:  map[string]string{"#ttl": "ttl", "#messages": "messages"},
					ExpressionAttributeValues: metaValues,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// PatchMessage appends text to the addressed message and merges the set
// metadata fields into its stored metadata.
func (s *SessionStore) PatchMessage(ctx context.Context, key domain.MessageKey, patch domain.MessagePatch) error {
	sets, names, values := patchExpression(patch)
	if len(sets) == 0 {
		return nil
	}
	c := s.client

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(s.sessionID)},
			"SK": &types.AttributeValueMemberS{Value: msgSK(key)},
		},
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("repository: PatchMessage %s: %w", key, ErrMessageNotFound)
		}
		return fmt.Errorf("repository: PatchMessage: %w", err)
	}
	return nil
}

// patchExpression renders a patch as SET clauses. Text is appended to the
// chunks list; each set metadata field is written into the metadata map.
func patchExpression(patch domain.MessagePatch) ([]string, map[string]string, map[string]types.AttributeValue) {
	var sets []string
	var names map[string]string
	values := map[string]types.AttributeValue{}

	if patch.AppendText != "" {
		sets = append(sets, "chunks = list_append(if_not_exists(chunks, :empty), :chunk)")
		values[":empty"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{}}
		values[":chunk"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberS{Value: patch.AppendText},
		}}
	}

	fields := metadataAttrs(patch.Metadata)
	if len(fields) > 0 {
		names = map[string]string{"#metadata": "metadata"}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, field := range keys {
		names["#m_"+field] = field
		values[":m_"+field] = fields[field]
		sets = append(sets, "#metadata.#m_"+field+" = :m_"+field)
	}
	return sets, names, values
}

// ListMessages returns every message of the session, oldest first.
func (s *SessionStore) ListMessages(ctx context.Context) ([]domain.Message, error) {
	c := s.client
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(s.sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	var msgs []domain.Message
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return msgs, nil
}

// Meta returns the session meta record. A session that has no messages yet
// reports found=false.
func (s *SessionStore) Meta(ctx context.Context) (domain.SessionMeta, bool, error) {
	c := s.client
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(s.sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SessionMeta{}, false, fmt.Errorf("repository: Meta get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SessionMeta{SessionID: s.sessionID}, false, nil
	}

	messages, err := intAttr(out.Item, "messages")
	if err != nil {
		return domain.SessionMeta{}, false, fmt.Errorf("repository: Meta decode messages: %w", err)
	}
	meta := domain.SessionMeta{SessionID: s.sessionID, Messages: messages}
	meta.ConversationID, _ = strAttr(out.Item, "conversationId") // allow empty
	if raw, err := strAttr(out.Item, "lastActivity"); err == nil {
		meta.LastActivity, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return meta, true, nil
}

func messageItem(pk string, msg domain.Message, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: pk},
		"SK":         &types.AttributeValueMemberS{Value: msgSK(msg.Key())},
		"id":         &types.AttributeValueMemberS{Value: msg.ID},
		"createdAt":  &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"authorId":   &types.AttributeValueMemberS{Value: msg.Author.ID},
		"authorRole": &types.AttributeValueMemberS{Value: msg.Author.Role},
		"kind":       &types.AttributeValueMemberS{Value: string(msg.Kind)},
		"text":       &types.AttributeValueMemberS{Value: msg.Text},
		"metadata":   &types.AttributeValueMemberM{Value: metadataAttrs(msg.Metadata)},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

// itemToMessage converts a DynamoDB attribute map to a Message. The text is
// the initial text followed by every appended chunk.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	rawCreated, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawCreated)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: parse attribute %q: %w", "createdAt", err)
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Message{}, err
	}
	authorID, _ := strAttr(item, "authorId")     // allow empty
	authorRole, _ := strAttr(item, "authorRole") // allow empty
	kind, _ := strAttr(item, "kind")             // allow empty

	if v, ok := item["chunks"].(*types.AttributeValueMemberL); ok {
		var b strings.Builder
		b.WriteString(text)
		for _, chunk := range v.Value {
			s, ok := chunk.(*types.AttributeValueMemberS)
			if !ok {
				return domain.Message{}, errors.New("repository: attribute \"chunks\" holds a non-string")
			}
			b.WriteString(s.Value)
		}
		text = b.String()
	}

	msg := domain.Message{
		ID:        id,
		Author:    domain.Author{ID: authorID, Role: authorRole},
		CreatedAt: createdAt,
		Kind:      domain.MessageKind(kind),
		Text:      text,
	}
	if v, ok := item["metadata"].(*types.AttributeValueMemberM); ok {
		msg.Metadata, err = attrsToMetadata(v.Value)
		if err != nil {
			return domain.Message{}, err
		}
	}
	if msg.Kind == "" {
		msg.Kind = domain.KindText
	}
	return msg, nil
}

// metadataAttrs returns the set fields of md as attributes.
func metadataAttrs(md domain.Metadata) map[string]types.AttributeValue {
	out := map[string]types.AttributeValue{}
	if md.ConversationID != "" {
		out["conversationId"] = &types.AttributeValueMemberS{Value: md.ConversationID}
	}
	if md.ContextID != "" {
		out["contextId"] = &types.AttributeValueMemberS{Value: md.ContextID}
	}
	if md.Copyable != nil {
		out["copyable"] = &types.AttributeValueMemberBOOL{Value: *md.Copyable}
	}
	if md.StoppedAtEOS != domain.StopUnknown {
		out["stoppedAtEndOfSequence"] = &types.AttributeValueMemberS{Value: md.StoppedAtEOS.String()}
	}
	if md.Timings != nil {
		out["timings"] = &types.AttributeValueMemberM{Value: timingsAttrs(*md.Timings)}
	}
	if md.System {
		out["system"] = &types.AttributeValueMemberBOOL{Value: true}
	}
	return out
}

func attrsToMetadata(item map[string]types.AttributeValue) (domain.Metadata, error) {
	var md domain.Metadata
	md.ConversationID, _ = strAttr(item, "conversationId")
	md.ContextID, _ = strAttr(item, "contextId")
	if v, ok := item["copyable"].(*types.AttributeValueMemberBOOL); ok {
		md.Copyable = domain.BoolPtr(v.Value)
	}
	if s, err := strAttr(item, "stoppedAtEndOfSequence"); err == nil {
		md.StoppedAtEOS = domain.ParseStopState(s)
	}
	if v, ok := item["system"].(*types.AttributeValueMemberBOOL); ok {
		md.System = v.Value
	}
	if v, ok := item["timings"].(*types.AttributeValueMemberM); ok {
		t, err := attrsToTimings(v.Value)
		if err != nil {
			return domain.Metadata{}, err
		}
		md.Timings = &t
	}
	return md, nil
}

func timingsAttrs(t domain.Timings) map[string]types.AttributeValue {
	num := func(f float64) types.AttributeValue {
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(f, 'f', -1, 64)}
	}
	return map[string]types.AttributeValue{
		"prompt_n":               num(float64(t.PromptN)),
		"prompt_ms":              num(t.PromptMS),
		"prompt_per_token_ms":    num(t.PromptPerTokenMS),
		"prompt_per_second":      num(t.PromptPerSecond),
		"predicted_n":            num(float64(t.PredictedN)),
		"predicted_ms":           num(t.PredictedMS),
		"predicted_per_token_ms": num(t.PredictedPerTokenMS),
		"predicted_per_second":   num(t.PredictedPerSecond),
	}
}

func attrsToTimings(item map[string]types.AttributeValue) (domain.Timings, error) {
	var t domain.Timings
	fields := map[string]*float64{
		"prompt_ms":              &t.PromptMS,
		"prompt_per_token_ms":    &t.PromptPerTokenMS,
		"prompt_per_second":      &t.PromptPerSecond,
		"predicted_ms":           &t.PredictedMS,
		"predicted_per_token_ms": &t.PredictedPerTokenMS,
		"predicted_per_second":   &t.PredictedPerSecond,
	}
	for key, dst := range fields {
		if _, ok := item[key]; !ok {
			continue
		}
		v, err := floatAttr(item, key)
		if err != nil {
			return domain.Timings{}, err
		}
		*dst = v
	}
	var err error
	if _, ok := item["prompt_n"]; ok {
		if t.PromptN, err = intAttr(item, "prompt_n"); err != nil {
			return domain.Timings{}, err
		}
	}
	if _, ok := item["predicted_n"]; ok {
		if t.PredictedN, err = intAttr(item, "predicted_n"); err != nil {
			return domain.Timings{}, err
		}
	}
	return t, nil
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

func floatAttr(item map[string]types.AttributeValue, key string) (float64, error) {
	n, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
