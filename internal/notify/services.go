package notify

import (
	"context"
	"fmt"

	"github.com/nerrad567/hearth-core/internal/core"
)

// RegisterServices exposes the manager as the persistent_notification
// service domain: create, dismiss, and dismiss_all.
func (m *Manager) RegisterServices(reg *core.ServiceRegistry) {
	reg.Register("persistent_notification", "create", m.serviceCreate, createSchema, core.ResponseNone)
	reg.Register("persistent_notification", "dismiss", m.serviceDismiss, dismissSchema, core.ResponseNone)
	reg.Register("persistent_notification", "dismiss_all", m.serviceDismissAll, nil, core.ResponseNone)
}

func (m *Manager) serviceCreate(_ context.Context, call core.ServiceCall) (core.ServiceResponse, error) {
	message, _ := call.Data["message"].(string)
	title, _ := call.Data["title"].(string)
	id, _ := call.Data["notification_id"].(string)
	m.Create(id, message, title, call.Context)
	return nil, nil
}

func (m *Manager) serviceDismiss(_ context.Context, call core.ServiceCall) (core.ServiceResponse, error) {
	id, _ := call.Data["notification_id"].(string)
	return nil, m.Dismiss(id, call.Context)
}

func (m *Manager) serviceDismissAll(_ context.Context, call core.ServiceCall) (core.ServiceResponse, error) {
	m.DismissAll(call.Context)
	return nil, nil
}

func createSchema(data map[string]any) error {
	if s, _ := data["message"].(string); s == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

func dismissSchema(data map[string]any) error {
	if s, _ := data["notification_id"].(string); s == "" {
		return fmt.Errorf("notification_id is required")
	}
	return nil
}
