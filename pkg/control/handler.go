package control

import (
	"context"

	"github.com/core-tools/hsu-mgmt/pkg/domain"
	"github.com/core-tools/hsu-mgmt/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.Contract, logger logging.Logger) {
	grpcServerRegistrar.RegisterService(&serviceDesc, &grpcServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type grpcServerHandler struct {
	handler domain.Contract
	logger  logging.Logger
}

func (h *grpcServerHandler) InvokeEffector(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	entityID := stringField(request, "entity_id")
	effector := stringField(request, "effector")
	info, err := h.handler.InvokeEffector(ctx, entityID, effector, mapField(request, "parameters"), boolField(request, "wait"))
	if err != nil {
		h.logger.Errorf("InvokeEffector server handler, entity: %s, effector: %s: %v", entityID, effector, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("InvokeEffector server handler done, entity: %s, effector: %s, task: %s", entityID, effector, info.ID)
	return h.task(info)
}

func (h *grpcServerHandler) GetTask(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	taskID := stringField(request, "task_id")
	info, err := h.handler.GetTask(ctx, taskID, boolField(request, "wait"))
	if err != nil {
		h.logger.Errorf("GetTask server handler, task: %s: %v", taskID, err)
		return nil, toStatus(err)
	}
	h.logger.Debugf("GetTask server handler done, task: %s", taskID)
	return h.task(info)
}

func (h *grpcServerHandler) task(info domain.TaskInfo) (*structpb.Struct, error) {
	response, err := taskToStruct(info)
	if err != nil {
		h.logger.Errorf("Encoding task %s: %v", info.ID, err)
		return nil, toStatus(err)
	}
	return response, nil
}

func (h *grpcServerHandler) GetAttribute(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	entityID := stringField(request, "entity_id")
	sensor := stringField(request, "sensor")
	value, present, err := h.handler.GetAttribute(ctx, entityID, sensor)
	if err != nil {
		h.logger.Errorf("GetAttribute server handler, entity: %s, sensor: %s: %v", entityID, sensor, err)
		return nil, toStatus(err)
	}
	response, err := newStruct(map[string]any{"present": present, "value": value})
	if err != nil {
		return nil, toStatus(err)
	}
	h.logger.Debugf("GetAttribute server handler done, entity: %s, sensor: %s", entityID, sensor)
	return response, nil
}

func (h *grpcServerHandler) SetConfig(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	entityID := stringField(request, "entity_id")
	key := stringField(request, "key")
	previous, err := h.handler.SetConfig(ctx, entityID, key, fromValue(request.GetFields()["value"]))
	if err != nil {
		h.logger.Errorf("SetConfig server handler, entity: %s, key: %s: %v", entityID, key, err)
		return nil, toStatus(err)
	}
	response, err := newStruct(map[string]any{"previous": previous})
	if err != nil {
		return nil, toStatus(err)
	}
	h.logger.Debugf("SetConfig server handler done, entity: %s, key: %s", entityID, key)
	return response, nil
}

func (h *grpcServerHandler) GetChildren(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	entityID := stringField(request, "entity_id")
	children, err := h.handler.GetChildren(ctx, entityID)
	if err != nil {
		h.logger.Errorf("GetChildren server handler, entity: %s: %v", entityID, err)
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(children))
	for _, child := range children {
		list = append(list, summaryToMap(child))
	}
	response, err := newStruct(map[string]any{"children": list})
	if err != nil {
		return nil, toStatus(err)
	}
	h.logger.Debugf("GetChildren server handler done, entity: %s, children: %d", entityID, len(children))
	return response, nil
}
