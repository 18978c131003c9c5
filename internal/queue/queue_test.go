package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitevoice/kb-engine/internal/indexer"
)

type fakeAPI struct {
	sent     []string
	messages []types.Message
	deleted  []string
}

func (f *fakeAPI) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeAPI) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	msgs := f.messages
	f.messages = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestClient_Enqueue_SendsJSONBody(t *testing.T) {
	api := &fakeAPI{}
	c := NewClientWithAPI(api, "https://sqs.example/queue", nil)

	err := c.Enqueue(context.Background(), ReindexJob{TenantID: "t1", SiteID: "s1", Mode: indexer.SessionDelta})
	require.NoError(t, err)
	require.Len(t, api.sent, 1)

	var got ReindexJob
	require.NoError(t, json.Unmarshal([]byte(api.sent[0]), &got))
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, indexer.SessionDelta, got.Mode)
}

func TestClient_Poll_HandlesAndAcksMessage(t *testing.T) {
	body, _ := json.Marshal(ReindexJob{TenantID: "t1", SiteID: "s1", Mode: indexer.SessionFull})
	api := &fakeAPI{messages: []types.Message{
		{Body: aws.String(string(body)), ReceiptHandle: aws.String("rh-1")},
	}}
	c := NewClientWithAPI(api, "https://sqs.example/queue", nil)

	var handled []ReindexJob
	err := c.Poll(context.Background(), func(_ context.Context, job ReindexJob) error {
		handled = append(handled, job)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, handled, 1)
	assert.Equal(t, "t1", handled[0].TenantID)
	assert.Equal(t, []string{"rh-1"}, api.deleted)
}

func TestClient_Poll_LeavesFailedJobUnacked(t *testing.T) {
	body, _ := json.Marshal(ReindexJob{TenantID: "t1", SiteID: "s1", Mode: indexer.SessionFull})
	api := &fakeAPI{messages: []types.Message{
		{Body: aws.String(string(body)), ReceiptHandle: aws.String("rh-1")},
	}}
	c := NewClientWithAPI(api, "https://sqs.example/queue", nil)

	err := c.Poll(context.Background(), func(context.Context, ReindexJob) error {
		return assert.AnError
	})

	require.NoError(t, err)
	assert.Empty(t, api.deleted)
}

func TestClient_Poll_DropsUnparseableMessage(t *testing.T) {
	api := &fakeAPI{messages: []types.Message{
		{Body: aws.String("not json"), ReceiptHandle: aws.String("rh-1")},
	}}
	c := NewClientWithAPI(api, "https://sqs.example/queue", nil)

	var calls int
	err := c.Poll(context.Background(), func(context.Context, ReindexJob) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 0, calls)
}
