package logging

import (
	"context"
)

const (
	MessageIDKey      = "message_id"
	QueueKey          = "queue"
	NodeIDKey         = "node_id"
	SubscriptionIDKey = "subscription_id"
	ServiceNameKey    = "service_name"
)

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

func WithQueue(ctx context.Context, queue string) context.Context {
	return context.WithValue(ctx, QueueKey, queue)
}

func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, NodeIDKey, nodeID)
}

func WithSubscriptionID(ctx context.Context, subscriptionID string) context.Context {
	return context.WithValue(ctx, SubscriptionIDKey, subscriptionID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetMessageID(ctx context.Context) string {
	if messageID, ok := ctx.Value(MessageIDKey).(string); ok {
		return messageID
	}
	return ""
}

func GetQueue(ctx context.Context) string {
	if queue, ok := ctx.Value(QueueKey).(string); ok {
		return queue
	}
	return ""
}

func GetNodeID(ctx context.Context) string {
	if nodeID, ok := ctx.Value(NodeIDKey).(string); ok {
		return nodeID
	}
	return ""
}

func GetSubscriptionID(ctx context.Context) string {
	if subscriptionID, ok := ctx.Value(SubscriptionIDKey).(string); ok {
		return subscriptionID
	}
	return ""
}

func GetServiceName(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceNameKey).(string); ok {
		return serviceName
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 10)

	if messageID := GetMessageID(ctx); messageID != "" {
		fields = append(fields, "message_id", messageID)
	}

	if queue := GetQueue(ctx); queue != "" {
		fields = append(fields, "queue", queue)
	}

	if nodeID := GetNodeID(ctx); nodeID != "" {
		fields = append(fields, "node_id", nodeID)
	}

	if subscriptionID := GetSubscriptionID(ctx); subscriptionID != "" {
		fields = append(fields, "subscription_id", subscriptionID)
	}

	if serviceName := GetServiceName(ctx); serviceName != "" {
		fields = append(fields, "service_name", serviceName)
	}

	return fields
}
