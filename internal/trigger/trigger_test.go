package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/nsgswap/internal/cloud"
	"github.com/yairfalse/nsgswap/internal/cloud/fake"
	"github.com/yairfalse/nsgswap/internal/failover"
	"github.com/yairfalse/nsgswap/internal/nsg"
)

func testSettings() failover.Settings {
	return failover.Settings{
		Scenario:        failover.ScenarioSwap,
		ElasticIP:       "203.0.113.9",
		AccessInterface: "eni-access",
		Old:             failover.Node{Instance: "NSG-A", Uplink: "eni-A"},
		New:             failover.Node{Instance: "NSG-B", Uplink: "eni-B"},
	}
}

type stubRunner struct {
	mu    sync.Mutex
	plans []*failover.Plan
	err   error
}

func (s *stubRunner) Run(_ context.Context, plan *failover.Plan) (*failover.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append(s.plans, plan)
	return &failover.Result{Plan: plan.Name}, s.err
}

type denyGuard struct{ err error }

func (g denyGuard) Enforce(context.Context, *failover.Plan) error { return g.err }

type mockSQSClient struct {
	cloud.SQSAPI
	receiveFunc func(ctx context.Context, params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error)
	deleteFunc  func(ctx context.Context, params *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error)

	mu      sync.Mutex
	deleted []string
}

func (m *mockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return m.receiveFunc(ctx, params)
}

func (m *mockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	m.mu.Unlock()
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, params)
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func oneMessage(id string) *sqs.ReceiveMessageOutput {
	return &sqs.ReceiveMessageOutput{Messages: []sqstypes.Message{{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(`{"AlarmName":"nsg-a-down"}`),
	}}}
}

func TestAdapter_HandleReturnsSuccessMarker(t *testing.T) {
	runner := &stubRunner{}
	a := NewAdapter(testSettings(), runner, nil)

	out, err := a.Handle(context.Background(), Event{ID: "ev-1", Source: "test"})

	require.NoError(t, err)
	assert.Equal(t, SuccessMarker, out)
	require.Len(t, runner.plans, 1)
	assert.Equal(t, "swap:NSG-A->NSG-B", runner.plans[0].Name)
}

func TestAdapter_RunFailurePropagates(t *testing.T) {
	runErr := errors.New("step 5 failed")
	a := NewAdapter(testSettings(), &stubRunner{err: runErr}, nil)

	out, err := a.Handle(context.Background(), Event{ID: "ev-1"})

	assert.ErrorIs(t, err, runErr)
	assert.Empty(t, out)
}

func TestAdapter_GuardDenialStopsRun(t *testing.T) {
	runner := &stubRunner{}
	denied := errors.New("denied")
	a := NewAdapter(testSettings(), runner, denyGuard{err: denied})

	_, err := a.Invoke(context.Background(), Event{ID: "ev-1"})

	assert.ErrorIs(t, err, denied)
	assert.Empty(t, runner.plans)
}

func TestAdapter_InvalidSettings(t *testing.T) {
	s := testSettings()
	s.ElasticIP = ""
	runner := &stubRunner{}
	a := NewAdapter(s, runner, nil)

	_, err := a.Invoke(context.Background(), Event{ID: "ev-1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "prepare failover")
	assert.Empty(t, runner.plans)
}

func TestPoller_PollOnceHandlesAndDeletes(t *testing.T) {
	var got *sqs.ReceiveMessageInput
	client := &mockSQSClient{
		receiveFunc: func(_ context.Context, params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			got = params
			return oneMessage("m-1"), nil
		},
	}
	runner := &stubRunner{}
	p := NewPoller(client, PollerConfig{
		QueueURL:          "https://sqs.eu-west-1.amazonaws.com/123/nsg-failover",
		WaitTime:          20 * time.Second,
		VisibilityTimeout: 15 * time.Minute,
	}, NewAdapter(testSettings(), runner, nil))

	n, err := p.PollOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, runner.plans, 1)
	assert.Equal(t, []string{"rh-m-1"}, client.deleted)

	require.NotNil(t, got)
	assert.Equal(t, int32(1), got.MaxNumberOfMessages)
	assert.Equal(t, int32(20), got.WaitTimeSeconds)
	assert.Equal(t, int32(900), got.VisibilityTimeout)
}

func TestPoller_DeletesFailedRuns(t *testing.T) {
	client := &mockSQSClient{
		receiveFunc: func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return oneMessage("m-2"), nil
		},
	}
	p := NewPoller(client, PollerConfig{QueueURL: "q"},
		NewAdapter(testSettings(), &stubRunner{err: errors.New("boom")}, nil))

	n, err := p.PollOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"rh-m-2"}, client.deleted)
}

func TestPoller_EmptyReceive(t *testing.T) {
	client := &mockSQSClient{
		receiveFunc: func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return &sqs.ReceiveMessageOutput{}, nil
		},
	}
	runner := &stubRunner{}
	p := NewPoller(client, PollerConfig{QueueURL: "q"}, NewAdapter(testSettings(), runner, nil))

	n, err := p.PollOnce(context.Background())

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, runner.plans)
	assert.Empty(t, client.deleted)
}

func TestPoller_ReceiveAndDeleteErrors(t *testing.T) {
	t.Run("receive", func(t *testing.T) {
		client := &mockSQSClient{
			receiveFunc: func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
				return nil, errors.New("throttled")
			},
		}
		p := NewPoller(client, PollerConfig{QueueURL: "q"}, NewAdapter(testSettings(), &stubRunner{}, nil))

		_, err := p.PollOnce(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "receive message")
	})

	t.Run("delete", func(t *testing.T) {
		client := &mockSQSClient{
			receiveFunc: func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
				return oneMessage("m-3"), nil
			},
			deleteFunc: func(context.Context, *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error) {
				return nil, errors.New("gone")
			},
		}
		p := NewPoller(client, PollerConfig{QueueURL: "q"}, NewAdapter(testSettings(), &stubRunner{}, nil))

		n, err := p.PollOnce(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, n)
		assert.Contains(t, err.Error(), "delete message m-3")
	})
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	client := &mockSQSClient{
		receiveFunc: func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			calls++
			if calls == 2 {
				cancel()
			}
			return nil, errors.New("unavailable")
		},
	}
	p := NewPoller(client, PollerConfig{QueueURL: "q", RetryDelay: time.Millisecond},
		NewAdapter(testSettings(), &stubRunner{}, nil))

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

// stopCancelsCloud cancels the caller's context while the old instance is
// being stopped, as a SIGTERM during a run would.
type stopCancelsCloud struct {
	*fake.Cloud
	cancel context.CancelFunc
}

func (c stopCancelsCloud) StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	c.cancel()
	return c.Cloud.StopInstances(ctx, params, optFns...)
}

func TestPoller_ShutdownDuringRunFinishesFailover(t *testing.T) {
	c := fake.Seed(fake.Topology{
		PublicIP:        "203.0.113.9",
		AccessInterface: "eni-access",
		OldInstance:     "NSG-A",
		OldUplink:       "eni-A",
		NewInstance:     "NSG-B",
		NewUplink:       "eni-B",
		NewUplinkIP:     "20.0.1.9",
	})
	c.DetachReads = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mut := nsg.NewMutator(stopCancelsCloud{Cloud: c, cancel: cancel}, nsg.Options{
		DetachTimeout:     time.Second,
		PollInterval:      time.Millisecond,
		AccessDeviceIndex: 1,
	})
	sqsClient := &mockSQSClient{
		receiveFunc: func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return oneMessage("m-1"), nil
		},
	}
	p := NewPoller(sqsClient, PollerConfig{QueueURL: "q"},
		NewAdapter(testSettings(), failover.New(mut), nil))

	n, err := p.PollOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Error(t, ctx.Err())

	var ops []string
	for _, call := range c.Calls() {
		ops = append(ops, call.Op)
	}
	assert.Equal(t, []string{
		"DetachNetworkInterface",
		"StopInstances",
		"DisassociateAddress",
		"AssociateAddress",
		"AttachNetworkInterface",
		"StartInstances",
	}, ops)

	newID := c.InstanceByName("NSG-B")
	nicID, privateIP := c.AddressBinding("203.0.113.9")
	owner, _, ok := c.Attachment(nicID)
	require.True(t, ok)
	assert.Equal(t, newID, owner)
	assert.Equal(t, "20.0.1.9", privateIP)
	assert.Equal(t, ec2types.InstanceStateNameRunning, c.InstanceState(newID))
	assert.Equal(t, []string{"rh-m-1"}, sqsClient.deleted)
}

func TestAdapter_InvokeIgnoresCancelledContext(t *testing.T) {
	runner := &ctxRunner{}
	a := NewAdapter(testSettings(), runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Invoke(ctx, Event{ID: "ev-1"})

	require.NoError(t, err)
	assert.NoError(t, runner.seen)
}

type ctxRunner struct{ seen error }

func (r *ctxRunner) Run(ctx context.Context, plan *failover.Plan) (*failover.Result, error) {
	r.seen = ctx.Err()
	return &failover.Result{Plan: plan.Name}, nil
}

type recordingSpans struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingSpans) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	return ctx, trace.SpanFromContext(ctx)
}

func TestPoller_SpanPerMessage(t *testing.T) {
	client := &mockSQSClient{
		receiveFunc: func(context.Context, *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return oneMessage("m-4"), nil
		},
	}
	spans := &recordingSpans{}
	p := NewPoller(client, PollerConfig{QueueURL: "q", Spans: spans},
		NewAdapter(testSettings(), &stubRunner{}, nil))

	_, err := p.PollOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"trigger.sqs.message"}, spans.names)
}
