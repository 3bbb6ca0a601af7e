package control

import (
	"context"

	"github.com/core-tools/hsu-mgmt/pkg/domain"
	"github.com/core-tools/hsu-mgmt/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	return &grpcClientGateway{
		conn:   grpcClientConnection,
		logger: logger,
	}
}

type grpcClientGateway struct {
	conn   grpc.ClientConnInterface
	logger logging.Logger
}

func (gw *grpcClientGateway) call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	request, err := newStruct(fields)
	if err != nil {
		return nil, err
	}
	response := new(structpb.Struct)
	if err := gw.conn.Invoke(ctx, fullMethod(method), request, response); err != nil {
		gw.logger.Errorf("%s client gateway: %v", method, err)
		return nil, fromStatus(err)
	}
	gw.logger.Debugf("%s client gateway done", method)
	return response, nil
}

func (gw *grpcClientGateway) InvokeEffector(ctx context.Context, entityID, effector string, params map[string]any, wait bool) (domain.TaskInfo, error) {
	if params == nil {
		params = map[string]any{}
	}
	response, err := gw.call(ctx, methodInvokeEffector, map[string]any{
		"entity_id":  entityID,
		"effector":   effector,
		"parameters": params,
		"wait":       wait,
	})
	if err != nil {
		return domain.TaskInfo{}, err
	}
	return taskFromStruct(response), nil
}

func (gw *grpcClientGateway) GetTask(ctx context.Context, taskID string, wait bool) (domain.TaskInfo, error) {
	response, err := gw.call(ctx, methodGetTask, map[string]any{"task_id": taskID, "wait": wait})
	if err != nil {
		return domain.TaskInfo{}, err
	}
	return taskFromStruct(response), nil
}

func (gw *grpcClientGateway) GetAttribute(ctx context.Context, entityID, sensor string) (any, bool, error) {
	response, err := gw.call(ctx, methodGetAttribute, map[string]any{"entity_id": entityID, "sensor": sensor})
	if err != nil {
		return nil, false, err
	}
	return fromValue(response.GetFields()["value"]), boolField(response, "present"), nil
}

func (gw *grpcClientGateway) SetConfig(ctx context.Context, entityID, key string, value any) (any, error) {
	response, err := gw.call(ctx, methodSetConfig, map[string]any{"entity_id": entityID, "key": key, "value": value})
	if err != nil {
		return nil, err
	}
	return fromValue(response.GetFields()["previous"]), nil
}

func (gw *grpcClientGateway) GetChildren(ctx context.Context, entityID string) ([]domain.EntitySummary, error) {
	response, err := gw.call(ctx, methodGetChildren, map[string]any{"entity_id": entityID})
	if err != nil {
		return nil, err
	}
	values := response.GetFields()["children"].GetListValue().GetValues()
	children := make([]domain.EntitySummary, 0, len(values))
	for _, value := range values {
		children = append(children, summaryFromStruct(value.GetStructValue()))
	}
	return children, nil
}
