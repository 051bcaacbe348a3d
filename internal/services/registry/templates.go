package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pingur/internal/storage"
	"pingur/internal/trigger"
	logx "pingur/pkg/logx"
)

// CreateTemplateInput names a reusable reminder definition. The trigger spec
// is validated on save so instantiation cannot fail on a malformed template.
type CreateTemplateInput struct {
	TenantID    string
	Name        string
	Kind        trigger.Kind
	TriggerSpec string
	Payload     string
	Destination string
}

// CreateTemplate stores a template. The (tenant, name) pair is unique;
// duplicates return ErrConflict.
func (s *Service) CreateTemplate(ctx context.Context, in CreateTemplateInput) (storage.Template, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return storage.Template{}, fmt.Errorf("template name is required")
	}
	spec, err := trigger.Parse(in.Kind, in.TriggerSpec)
	if err != nil {
		return storage.Template{}, err
	}

	t := storage.Template{
		ID:          uuid.NewString(),
		TenantID:    in.TenantID,
		Name:        name,
		Kind:        spec.Kind,
		TriggerSpec: spec.Raw,
		Payload:     in.Payload,
		Destination: strings.TrimSpace(in.Destination),
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateTemplate(ctx, &t); err != nil {
		return storage.Template{}, err
	}
	s.log.Info("template created",
		logx.String("tenant", t.TenantID),
		logx.String("name", t.Name),
		logx.String("kind", string(t.Kind)))
	return t, nil
}

// TemplateOverrides selectively replace template fields at instantiation.
type TemplateOverrides struct {
	TriggerSpec *string
	Payload     *string
	Destination *string
}

// InstantiateTemplate creates a schedule from a stored template, applying
// overrides first. The result goes through the normal creation path, so all
// trigger validation and first-fire computation applies.
func (s *Service) InstantiateTemplate(ctx context.Context, templateID string, ov TemplateOverrides) (storage.Schedule, error) {
	t, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return storage.Schedule{}, fmt.Errorf("template %s: %w", templateID, err)
	}

	in := CreateScheduleInput{
		TenantID:    t.TenantID,
		Kind:        t.Kind,
		TriggerSpec: t.TriggerSpec,
		Payload:     t.Payload,
		Destination: t.Destination,
	}
	if ov.TriggerSpec != nil {
		in.TriggerSpec = *ov.TriggerSpec
	}
	if ov.Payload != nil {
		in.Payload = *ov.Payload
	}
	if ov.Destination != nil {
		in.Destination = *ov.Destination
	}
	return s.CreateSchedule(ctx, in)
}

// ListTemplates returns a tenant's templates in creation order.
func (s *Service) ListTemplates(ctx context.Context, tenantID string) ([]storage.Template, error) {
	return s.store.ListTemplates(ctx, tenantID)
}

// DeleteTemplate removes a template by name. Schedules already instantiated
// from it are untouched.
func (s *Service) DeleteTemplate(ctx context.Context, tenantID, name string) error {
	if err := s.store.DeleteTemplate(ctx, tenantID, strings.TrimSpace(name)); err != nil {
		return err
	}
	s.log.Info("template deleted", logx.String("tenant", tenantID), logx.String("name", name))
	return nil
}
