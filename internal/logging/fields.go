package logging

import "go.uber.org/zap"

// Field keys shared by every component so log queries can join on them.
const (
	KeyTenantID   = "tenant_id"
	KeyDocumentID = "document_id"
	KeyNamespace  = "namespace"
	KeyStage      = "stage"
	KeyEvent      = "event"
)

// EventIsolationViolation tags cross-namespace access in logs.
const EventIsolationViolation = "security.isolation_violation"

func TenantID(id string) zap.Field   { return zap.String(KeyTenantID, id) }
func DocumentID(id string) zap.Field { return zap.String(KeyDocumentID, id) }
func Namespace(ns string) zap.Field  { return zap.String(KeyNamespace, ns) }
func Stage(s string) zap.Field       { return zap.String(KeyStage, s) }
func Event(name string) zap.Field    { return zap.String(KeyEvent, name) }
