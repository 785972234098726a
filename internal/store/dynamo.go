package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ignite/mailtriage/internal/domain"
)

// Dynamo is the serverless Store variant: one table, PK/SK keys, records
// serialized into a Data blob with the filterable fields lifted out.
// Transactional groups use TransactWriteItems.
type Dynamo struct {
	client *dynamodb.Client
	table  string
}

type dynamoItem struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	Type         string `dynamodbav:"Type"`
	Data         string `dynamodbav:"Data"`
	Version      int64  `dynamodbav:"Version"`
	Status       string `dynamodbav:"Status,omitempty"`
	EmailID      string `dynamodbav:"EmailID,omitempty"`
	Deadline     string `dynamodbav:"Deadline,omitempty"`
	Completeness int    `dynamodbav:"Completeness"`
	Timestamp    string `dynamodbav:"Timestamp"`
}

const (
	itemEmail = "email"
	itemPhase = "phase_result"
	itemChain = "chain"
	itemTask  = "task"
	itemEvent = "event"
)

// NewDynamo loads AWS config and binds to the table. The table must exist
// with PK (hash) and SK (range) string keys.
func NewDynamo(ctx context.Context, table, region, profile string) (*Dynamo, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	log.Printf("[Store] DynamoDB table=%s region=%s", table, region)
	return &Dynamo{client: dynamodb.NewFromConfig(cfg), table: table}, nil
}

func (d *Dynamo) Close() error { return nil }

func (d *Dynamo) put(ctx context.Context, item dynamoItem, condition *string) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                av,
		ConditionExpression: condition,
	})
	return err
}

func (d *Dynamo) getData(ctx context.Context, pk, sk string, v any) error {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return err
	}
	if out.Item == nil {
		return ErrNotFound
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return err
	}
	return json.Unmarshal([]byte(item.Data), v)
}

func (d *Dynamo) PutEmail(ctx context.Context, email domain.Email) error {
	if err := email.Validate(); err != nil {
		return err
	}
	item, err := emailItem(email)
	if err != nil {
		return err
	}

	// Dedupe on message_id with a marker item; the email body follows only
	// when the marker is new.
	err = d.put(ctx, dynamoItem{
		PK:        "MSGID#" + email.MessageID,
		SK:        "META",
		Type:      itemEmail,
		Data:      email.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, aws.String("attribute_not_exists(PK)"))
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return nil // replay
		}
		return err
	}
	return d.put(ctx, item, nil)
}

func emailItem(email domain.Email) (dynamoItem, error) {
	data, err := json.Marshal(email)
	if err != nil {
		return dynamoItem{}, err
	}
	return dynamoItem{
		PK:        "EMAIL#" + email.ID,
		SK:        "META",
		Type:      itemEmail,
		Data:      string(data),
		Timestamp: email.ReceivedAt.UTC().Format(time.RFC3339),
	}, nil
}

func (d *Dynamo) GetEmail(ctx context.Context, emailID string) (domain.Email, error) {
	var out domain.Email
	err := d.getData(ctx, "EMAIL#"+emailID, "META", &out)
	return out, err
}

func (d *Dynamo) ListEmails(ctx context.Context) ([]domain.Email, error) {
	out, err := scanType[domain.Email](ctx, d, itemEmail)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func phaseResultItem(pr domain.PhaseResult) (dynamoItem, error) {
	data, err := json.Marshal(pr)
	if err != nil {
		return dynamoItem{}, err
	}
	return dynamoItem{
		PK:        "EMAIL#" + pr.EmailID,
		SK:        fmt.Sprintf("PHASE#%d", pr.Phase),
		Type:      itemPhase,
		EmailID:   pr.EmailID,
		Data:      string(data),
		Timestamp: pr.ProducedAt.UTC().Format(time.RFC3339),
	}, nil
}

func (d *Dynamo) PutPhaseResult(ctx context.Context, pr domain.PhaseResult) error {
	item, err := phaseResultItem(pr)
	if err != nil {
		return err
	}
	return d.put(ctx, item, nil)
}

func (d *Dynamo) GetPhaseResults(ctx context.Context, emailID string) ([]domain.PhaseResult, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "EMAIL#" + emailID},
			":sk": &types.AttributeValueMemberS{Value: "PHASE#"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying phase results: %w", err)
	}

	var results []domain.PhaseResult
	for _, raw := range out.Items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		var pr domain.PhaseResult
		if err := json.Unmarshal([]byte(item.Data), &pr); err != nil {
			continue
		}
		results = append(results, pr)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Phase < results[j].Phase })
	return results, nil
}

func (d *Dynamo) UpsertChain(ctx context.Context, chain domain.Chain) error {
	data, err := json.Marshal(chain)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(dynamoItem{
		PK:           "CHAIN#" + chain.ChainID,
		SK:           "META",
		Type:         itemChain,
		Data:         string(data),
		Version:      chain.Version,
		Completeness: chain.Completeness,
		Timestamp:    chain.LastUpdated.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR Version < :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", chain.Version)},
		},
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return nil // stale recomputation
		}
		return err
	}
	return nil
}

func (d *Dynamo) GetChain(ctx context.Context, chainID string) (domain.Chain, error) {
	var out domain.Chain
	err := d.getData(ctx, "CHAIN#"+chainID, "META", &out)
	return out, err
}

func (d *Dynamo) GetChainsByCompletenessRange(ctx context.Context, lo, hi int) ([]domain.Chain, error) {
	all, err := scanType[domain.Chain](ctx, d, itemChain)
	if err != nil {
		return nil, err
	}
	var out []domain.Chain
	for _, c := range all {
		if c.Completeness >= lo && c.Completeness <= hi {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out, nil
}

func taskItem(task domain.WorkflowTask) (dynamoItem, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return dynamoItem{}, err
	}
	return dynamoItem{
		PK:        "TASK#" + task.TaskID,
		SK:        "META",
		Type:      itemTask,
		Data:      string(data),
		Version:   task.Version,
		Status:    string(task.Status),
		EmailID:   task.EmailID,
		Deadline:  task.SLADeadline.UTC().Format(time.RFC3339),
		Timestamp: task.UpdatedAt.UTC().Format(time.RFC3339),
	}, nil
}

// taskCondition returns the CAS condition for the expected version.
func taskCondition(expected int64) (string, map[string]types.AttributeValue) {
	if expected == 0 {
		return "attribute_not_exists(PK)", nil
	}
	return "Version = :expected", map[string]types.AttributeValue{
		":expected": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expected)},
	}
}

func (d *Dynamo) UpsertTask(ctx context.Context, task domain.WorkflowTask) (domain.WorkflowTask, error) {
	expected := task.Version
	now := time.Now().UTC()
	task.Version = expected + 1
	task.UpdatedAt = now
	if expected == 0 {
		task.CreatedAt = now
	}

	item, err := taskItem(task)
	if err != nil {
		return domain.WorkflowTask{}, err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return domain.WorkflowTask{}, err
	}

	cond, values := taskCondition(expected)
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(d.table),
		Item:                      av,
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return domain.WorkflowTask{}, ErrVersionConflict
		}
		return domain.WorkflowTask{}, err
	}
	return task, nil
}

func (d *Dynamo) GetTask(ctx context.Context, taskID string) (domain.WorkflowTask, error) {
	var out domain.WorkflowTask
	err := d.getData(ctx, "TASK#"+taskID, "META", &out)
	return out, err
}

func (d *Dynamo) GetTaskByEmail(ctx context.Context, emailID string) (domain.WorkflowTask, error) {
	tasks, err := d.scanTasks(ctx, "EmailID = :v", &types.AttributeValueMemberS{Value: emailID})
	if err != nil {
		return domain.WorkflowTask{}, err
	}
	if len(tasks) == 0 {
		return domain.WorkflowTask{}, ErrNotFound
	}
	return tasks[0], nil
}

func (d *Dynamo) ListTasksByStatus(ctx context.Context, status domain.SLAStatus) ([]domain.WorkflowTask, error) {
	return d.scanTasks(ctx, "#st = :v", &types.AttributeValueMemberS{Value: string(status)})
}

func (d *Dynamo) ListTasksBySLADeadlineBefore(ctx context.Context, cutoff time.Time) ([]domain.WorkflowTask, error) {
	return d.scanTasks(ctx, "Deadline < :v",
		&types.AttributeValueMemberS{Value: cutoff.UTC().Format(time.RFC3339)})
}

func (d *Dynamo) ListOpenTasks(ctx context.Context) ([]domain.WorkflowTask, error) {
	all, err := scanType[domain.WorkflowTask](ctx, d, itemTask)
	if err != nil {
		return nil, err
	}
	var out []domain.WorkflowTask
	for _, t := range all {
		if t.Open() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLADeadline.Before(out[j].SLADeadline) })
	return out, nil
}

func (d *Dynamo) scanTasks(ctx context.Context, filter string, value types.AttributeValue) ([]domain.WorkflowTask, error) {
	names := map[string]string{"#tp": "Type"}
	if strings.Contains(filter, "#st") {
		names["#st"] = "Status"
	}
	input := &dynamodb.ScanInput{
		TableName:                aws.String(d.table),
		FilterExpression:         aws.String("#tp = :type AND " + filter),
		ExpressionAttributeNames: names,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":type": &types.AttributeValueMemberS{Value: itemTask},
			":v":    value,
		},
	}

	var out []domain.WorkflowTask
	for {
		res, err := d.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scanning tasks: %w", err)
		}
		for _, raw := range res.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				continue
			}
			var t domain.WorkflowTask
			if err := json.Unmarshal([]byte(item.Data), &t); err != nil {
				continue
			}
			out = append(out, t)
		}
		if res.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = res.LastEvaluatedKey
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func eventItem(ev domain.Event) (dynamoItem, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return dynamoItem{}, err
	}
	return dynamoItem{
		PK:        "EVT#" + ev.CorrelationID,
		SK:        fmt.Sprintf("E#%020d", ev.EventID),
		Type:      itemEvent,
		Data:      string(data),
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
	}, nil
}

func (d *Dynamo) AppendEvent(ctx context.Context, ev domain.Event) error {
	item, err := eventItem(ev)
	if err != nil {
		return err
	}
	return d.put(ctx, item, nil)
}

func (d *Dynamo) ListEvents(ctx context.Context, correlationID string) ([]domain.Event, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "EVT#" + correlationID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}

	var events []domain.Event
	for _, raw := range out.Items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(item.Data), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// CommitAnalysis uses TransactWriteItems so the CAS on the task guards the
// whole group.
func (d *Dynamo) CommitAnalysis(ctx context.Context, g AnalysisGroup) (domain.WorkflowTask, error) {
	var items []types.TransactWriteItem
	var stored domain.WorkflowTask

	if g.Task != nil {
		task := *g.Task
		expected := task.Version
		now := time.Now().UTC()
		task.Version = expected + 1
		task.UpdatedAt = now
		if expected == 0 {
			task.CreatedAt = now
		}
		item, err := taskItem(task)
		if err != nil {
			return domain.WorkflowTask{}, err
		}
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return domain.WorkflowTask{}, err
		}
		cond, values := taskCondition(expected)
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:                 aws.String(d.table),
			Item:                      av,
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeValues: values,
		}})
		stored = task
	}
	if g.PhaseResult != nil {
		item, err := phaseResultItem(*g.PhaseResult)
		if err != nil {
			return domain.WorkflowTask{}, err
		}
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return domain.WorkflowTask{}, err
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(d.table),
			Item:      av,
		}})
	}
	if g.Event != nil {
		item, err := eventItem(*g.Event)
		if err != nil {
			return domain.WorkflowTask{}, err
		}
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return domain.WorkflowTask{}, err
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(d.table),
			Item:      av,
		}})
	}
	if len(items) == 0 {
		return domain.WorkflowTask{}, nil
	}

	_, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
					return domain.WorkflowTask{}, ErrVersionConflict
				}
			}
		}
		return domain.WorkflowTask{}, fmt.Errorf("transact write: %w", err)
	}
	return stored, nil
}

func (d *Dynamo) GetPipelineStats(ctx context.Context) (PipelineStats, error) {
	stats := PipelineStats{
		PhaseResults:  make(map[domain.Phase]int64),
		TasksByStatus: make(map[domain.SLAStatus]int64),
		TasksByRoute:  make(map[domain.RoutingDecision]int64),
	}

	emails, err := scanType[domain.Email](ctx, d, itemEmail)
	if err != nil {
		return PipelineStats{}, err
	}
	stats.Emails = int64(len(emails))

	phases, err := scanType[domain.PhaseResult](ctx, d, itemPhase)
	if err != nil {
		return PipelineStats{}, err
	}
	for _, pr := range phases {
		stats.PhaseResults[pr.Phase]++
	}

	chains, err := scanType[domain.Chain](ctx, d, itemChain)
	if err != nil {
		return PipelineStats{}, err
	}
	stats.Chains = int64(len(chains))

	tasks, err := scanType[domain.WorkflowTask](ctx, d, itemTask)
	if err != nil {
		return PipelineStats{}, err
	}
	for _, t := range tasks {
		stats.TasksByStatus[t.Status]++
		stats.TasksByRoute[t.Routing]++
	}

	events, err := scanType[domain.Event](ctx, d, itemEvent)
	if err != nil {
		return PipelineStats{}, err
	}
	stats.Events = int64(len(events))
	return stats, nil
}

func scanType[T any](ctx context.Context, d *Dynamo, itemType string) ([]T, error) {
	input := &dynamodb.ScanInput{
		TableName:                aws.String(d.table),
		FilterExpression:         aws.String("#tp = :type"),
		ExpressionAttributeNames: map[string]string{"#tp": "Type"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":type": &types.AttributeValueMemberS{Value: itemType},
		},
	}

	var out []T
	for {
		res, err := d.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", itemType, err)
		}
		for _, raw := range res.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				continue
			}
			var v T
			if err := json.Unmarshal([]byte(item.Data), &v); err != nil {
				continue
			}
			out = append(out, v)
		}
		if res.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = res.LastEvaluatedKey
	}
	return out, nil
}
