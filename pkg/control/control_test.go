package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/core-tools/hsu-mgmt/pkg/domain"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
)

type mockContract struct {
	mock.Mock
}

func (m *mockContract) InvokeEffector(ctx context.Context, entityID, effector string, params map[string]any, wait bool) (domain.TaskInfo, error) {
	args := m.Called(ctx, entityID, effector, params, wait)
	return args.Get(0).(domain.TaskInfo), args.Error(1)
}

func (m *mockContract) GetTask(ctx context.Context, taskID string, wait bool) (domain.TaskInfo, error) {
	args := m.Called(ctx, taskID, wait)
	return args.Get(0).(domain.TaskInfo), args.Error(1)
}

func (m *mockContract) GetAttribute(ctx context.Context, entityID, sensor string) (any, bool, error) {
	args := m.Called(ctx, entityID, sensor)
	return args.Get(0), args.Bool(1), args.Error(2)
}

func (m *mockContract) SetConfig(ctx context.Context, entityID, key string, value any) (any, error) {
	args := m.Called(ctx, entityID, key, value)
	return args.Get(0), args.Error(1)
}

func (m *mockContract) GetChildren(ctx context.Context, entityID string) ([]domain.EntitySummary, error) {
	args := m.Called(ctx, entityID)
	return args.Get(0).([]domain.EntitySummary), args.Error(1)
}

func connect(t *testing.T, handler domain.Contract) domain.Contract {
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterGRPCServerHandler(server, handler, logging.NewNopLogger())
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewGRPCClientGateway(conn, logging.NewNopLogger())
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGateway_InvokeEffector(t *testing.T) {
	handler := &mockContract{}
	client := connect(t, handler)

	params := map[string]any{"locations": []any{"localhost"}, "count": float64(2)}
	handler.On("InvokeEffector", mock.Anything, "web", "start", params, true).Return(domain.TaskInfo{
		ID:       "t-1",
		Name:     "start",
		EntityID: "web",
		Effector: "start",
		State:    "done-success",
		Done:     true,
		Result:   map[string]any{"pids": []int{10, 11}},
	}, nil)

	info, err := client.InvokeEffector(testContext(t), "web", "start", params, true)
	require.NoError(t, err)
	assert.Equal(t, "t-1", info.ID)
	assert.Equal(t, "web", info.EntityID)
	assert.Equal(t, "done-success", info.State)
	assert.True(t, info.Done)
	assert.Equal(t, map[string]any{"pids": []any{float64(10), float64(11)}}, info.Result)
	handler.AssertExpectations(t)
}

func TestGateway_NilParameters(t *testing.T) {
	handler := &mockContract{}
	client := connect(t, handler)
	handler.On("InvokeEffector", mock.Anything, "web", "stop", map[string]any{}, false).
		Return(domain.TaskInfo{ID: "t-2", State: "queued"}, nil)

	info, err := client.InvokeEffector(testContext(t), "web", "stop", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "queued", info.State)
	assert.False(t, info.Done)
}

func TestGateway_ErrorMapping(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", errors.NewNotFoundError("no entity web", nil), errors.IsNotFoundError},
		{"missing parameter", errors.NewMissingParameterError("port is required", nil), errors.IsValidationError},
		{"conflict", errors.NewConflictError("already running", nil), errors.IsConflictError},
		{"timeout", errors.NewTimeoutError("too slow", nil), errors.IsTimeoutError},
		{"internal", errors.NewTaskExecutionError("boom", nil), errors.IsInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &mockContract{}
			client := connect(t, handler)
			handler.On("GetTask", mock.Anything, "t-9", false).Return(domain.TaskInfo{}, tt.err)

			_, err := client.GetTask(testContext(t), "t-9", false)
			require.Error(t, err)
			assert.True(t, tt.check(err), "%v", err)
			assert.Contains(t, err.Error(), tt.err.Error())
		})
	}
}

func TestGateway_GetAttribute(t *testing.T) {
	handler := &mockContract{}
	client := connect(t, handler)
	handler.On("GetAttribute", mock.Anything, "web", "service.up").Return(true, true, nil)
	handler.On("GetAttribute", mock.Anything, "web", "host.name").Return(nil, false, nil)

	value, present, err := client.GetAttribute(testContext(t), "web", "service.up")
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, true, value)

	value, present, err = client.GetAttribute(testContext(t), "web", "host.name")
	require.NoError(t, err)
	assert.False(t, present)
	assert.Nil(t, value)
}

func TestGateway_SetConfig(t *testing.T) {
	handler := &mockContract{}
	client := connect(t, handler)
	handler.On("SetConfig", mock.Anything, "web", "port", float64(8080)).Return(80, nil)

	previous, err := client.SetConfig(testContext(t), "web", "port", 8080)
	require.NoError(t, err)
	assert.Equal(t, float64(80), previous)
}

func TestGateway_GetChildren(t *testing.T) {
	handler := &mockContract{}
	client := connect(t, handler)
	up := true
	handler.On("GetChildren", mock.Anything, "app").Return([]domain.EntitySummary{
		{ID: "web", DisplayName: "Web", Tags: []string{"tier:front"}, Up: &up, State: "running"},
		{ID: "db", DisplayName: "db", Tags: []string{}},
	}, nil)

	children, err := client.GetChildren(testContext(t), "app")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "Web", children[0].DisplayName)
	assert.Equal(t, []string{"tier:front"}, children[0].Tags)
	require.NotNil(t, children[0].Up)
	assert.True(t, *children[0].Up)
	assert.Equal(t, "running", children[0].State)
	assert.Nil(t, children[1].Up)
	assert.Empty(t, children[1].Tags)
}

func TestToStatus(t *testing.T) {
	assert.Nil(t, toStatus(nil))
	err := toStatus(errors.NewCycleError("cycle", nil))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	already := status.Error(codes.Unavailable, "down")
	assert.Same(t, already, toStatus(already))
	assert.True(t, errors.IsIOError(fromStatus(already)))
}
