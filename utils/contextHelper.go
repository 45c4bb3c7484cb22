package utils

import (
	"context"

	"github.com/mmdatafocus/parking_backend/appctx"
	"github.com/sirupsen/logrus"
)

var (
	ContextKeyIntegrationId = appctx.ContextKeyIntegrationId
	ContextKeyRunId         = appctx.ContextKeyRunId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyTriggeredBy   = appctx.ContextKeyTriggeredBy
)

func GetIntegrationIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.GetUint(ctx, ContextKeyIntegrationId)
}

func GetRunIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.GetUint(ctx, ContextKeyRunId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetTriggeredByFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTriggeredBy)
}

func SetIntegrationIdInContext(ctx context.Context, integrationId uint) context.Context {
	return appctx.Set(ctx, ContextKeyIntegrationId, integrationId)
}

func SetRunIdInContext(ctx context.Context, runId uint) context.Context {
	return appctx.Set(ctx, ContextKeyRunId, runId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetTriggeredByInContext(ctx context.Context, triggeredBy string) context.Context {
	return appctx.Set(ctx, ContextKeyTriggeredBy, triggeredBy)
}

// LogFieldsFromContext collects the sync identifiers carried by ctx.
func LogFieldsFromContext(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if id, ok := GetIntegrationIdFromContext(ctx); ok {
		fields["integration_id"] = id
	}
	if id, ok := GetRunIdFromContext(ctx); ok {
		fields["run_id"] = id
	}
	if cid, ok := GetCorrelationIdFromContext(ctx); ok && cid != "" {
		fields["correlation_id"] = cid
	}
	if by, ok := GetTriggeredByFromContext(ctx); ok && by != "" {
		fields["triggered_by"] = by
	}
	return fields
}
