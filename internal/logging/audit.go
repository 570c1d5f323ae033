package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names one auditable pipeline event.
type AuditEventType string

const (
	AuditPlanCreated       AuditEventType = "plan_created"
	AuditPlanCancelled     AuditEventType = "plan_cancelled"
	AuditExecutionStart    AuditEventType = "execution_start"
	AuditExecutionComplete AuditEventType = "execution_complete"
	AuditExecutionError    AuditEventType = "execution_error"
	AuditCancellationRace  AuditEventType = "cancellation_race"
	AuditCostRecorded      AuditEventType = "cost_recorded"
	AuditArtifactWrite     AuditEventType = "artifact_write"
	AuditArtifactRejected  AuditEventType = "artifact_rejected"
	AuditBatchComplete     AuditEventType = "batch_complete"
	AuditQuickComplete     AuditEventType = "quick_complete"
)

// AuditEvent is one structured audit record. Written as a JSON line.
type AuditEvent struct {
	EventType  AuditEventType
	PlanID     string
	Target     string
	Model      string
	Success    bool
	DurationMs int64
	Error      string
	Message    string
	Fields     map[string]interface{}
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditMu   sync.Mutex
	auditFile *os.File
	auditZap  *zap.Logger
)

// AuditLogger writes audit events, optionally scoped to a project.
type AuditLogger struct {
	project string
}

// InitAudit opens <logs>/audit.jsonl. No-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditZap != nil {
		return nil
	}

	configMu.RLock()
	core := sharedCore
	dir := logsDir
	configMu.RUnlock()

	if core != nil {
		auditZap = zap.New(core).Named("audit")
		return nil
	}

	auditPath := filepath.Join(dir, "audit.jsonl")
	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.EpochMillisTimeEncoder
	auditZap = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), zapcore.InfoLevel))
	return nil
}

// CloseAudit flushes and closes the audit log
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditZap != nil {
		_ = auditZap.Sync()
		auditZap = nil
	}
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an unscoped audit logger
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditForProject returns an audit logger that stamps every event with project.
func AuditForProject(project string) *AuditLogger {
	return &AuditLogger{project: project}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	logger := auditZap
	auditMu.Unlock()
	if logger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("event", string(event.EventType)),
		zap.Bool("success", event.Success),
	}
	if a.project != "" {
		fields = append(fields, zap.String("project", a.project))
	}
	if event.PlanID != "" {
		fields = append(fields, zap.String("plan", event.PlanID))
	}
	if event.Target != "" {
		fields = append(fields, zap.String("target", event.Target))
	}
	if event.Model != "" {
		fields = append(fields, zap.String("model", event.Model))
	}
	if event.DurationMs > 0 {
		fields = append(fields, zap.Int64("dur_ms", event.DurationMs))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if len(event.Fields) > 0 {
		fields = append(fields, zap.Any("fields", event.Fields))
	}
	logger.Info(event.Message, fields...)
}

// =============================================================================
// TYPED HELPERS
// =============================================================================

// PlanCreated records a new plan and its estimate.
func (a *AuditLogger) PlanCreated(planID, model string, files, tokens int, cost string) {
	a.Log(AuditEvent{
		EventType: AuditPlanCreated,
		PlanID:    planID,
		Model:     model,
		Success:   true,
		Fields:    map[string]interface{}{"files": files, "tokens": tokens, "estimate": cost},
	})
}

// PlanCancelled records an explicit cancel.
func (a *AuditLogger) PlanCancelled(planID string) {
	a.Log(AuditEvent{EventType: AuditPlanCancelled, PlanID: planID, Success: true})
}

// ExecutionComplete records the terminal outcome of a streaming execution.
func (a *AuditLogger) ExecutionComplete(planID, model string, duration time.Duration, err error) {
	event := AuditEvent{
		EventType:  AuditExecutionComplete,
		PlanID:     planID,
		Model:      model,
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		event.EventType = AuditExecutionError
		event.Error = err.Error()
	}
	a.Log(event)
}

// CancellationRace records a terminal event discarded because its epoch went stale.
func (a *AuditLogger) CancellationRace(planID, kind string) {
	a.Log(AuditEvent{
		EventType: AuditCancellationRace,
		PlanID:    planID,
		Success:   true,
		Message:   "discarded late terminal event",
		Fields:    map[string]interface{}{"kind": kind},
	})
}

// CostRecorded records one accumulator increment.
func (a *AuditLogger) CostRecorded(model string, inputTokens, outputTokens int, amount float64, known bool) {
	a.Log(AuditEvent{
		EventType: AuditCostRecorded,
		Model:     model,
		Success:   known,
		Fields: map[string]interface{}{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
			"amount":        amount,
		},
	})
}

// ArtifactWrite records a persisted artifact, or a guard rejection when rejected is true.
func (a *AuditLogger) ArtifactWrite(planID, path string, version int, rejected bool) {
	event := AuditEvent{
		EventType: AuditArtifactWrite,
		PlanID:    planID,
		Target:    path,
		Success:   !rejected,
		Fields:    map[string]interface{}{"version": version},
	}
	if rejected {
		event.EventType = AuditArtifactRejected
		event.Message = "refused empty overwrite"
	}
	a.Log(event)
}

// BatchComplete records a batch outcome.
func (a *AuditLogger) BatchComplete(planID string, written, requested int) {
	a.Log(AuditEvent{
		EventType: AuditBatchComplete,
		PlanID:    planID,
		Success:   written == requested,
		Fields:    map[string]interface{}{"written": written, "requested": requested},
	})
}

// QuickComplete records a quick action completion.
func (a *AuditLogger) QuickComplete(actionID, model string, duration time.Duration, err error) {
	event := AuditEvent{
		EventType:  AuditQuickComplete,
		Target:     actionID,
		Model:      model,
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	a.Log(event)
}
