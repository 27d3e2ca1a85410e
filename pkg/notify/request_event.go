package notify

import (
	"strconv"
	"time"

	"github.com/absamo/triven-workflow/pkg/models"
)

// RequestEvent builds a notification about req. suffix distinguishes several
// notifications for the same request, e.g. a reminder tier or a version.
func RequestEvent(req *models.ApprovalRequest, key models.TemplateKey, realtimeType, suffix string, at time.Time) Event {
	id := req.ID + ":" + string(key)
	if suffix != "" {
		id += ":" + suffix
	}

	assignee := req.AssignedTo
	if assignee == "" {
		assignee = "role:" + req.AssignedRole
	}

	return Event{
		ID:        id,
		CompanyID: req.CompanyID,
		Template:  key,
		Subject:   req.Title,
		Variables: map[string]string{
			"request_id":       req.ID,
			"title":            req.Title,
			"entity_type":      string(req.EntityType),
			"entity_id":        req.EntityID,
			"priority":         string(req.Priority),
			"status":           string(req.Status),
			"requested_by":     req.RequestedBy,
			"assignee":         assignee,
			"decision":         string(req.Decision),
			"reason":           req.DecisionReason,
			"escalation_level": strconv.Itoa(req.EscalationLevel),
		},
		RealtimeType: realtimeType,
		Data: map[string]any{
			"request_id":    req.ID,
			"status":        string(req.Status),
			"entity_type":   string(req.EntityType),
			"entity_id":     req.EntityID,
			"assigned_to":   req.AssignedTo,
			"assigned_role": req.AssignedRole,
		},
		OccurredAt: at,
	}
}
