package documents

import (
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/content"
	"go.uber.org/zap"
)

const (
	opServiceNew     = "documents.service.new"
	opRevisionsOf    = "documents.revisions_of"
	opRevisionByID   = "documents.revision_by_id"
	opRevisionAt     = "documents.revision_at"
	opResolve        = "documents.resolve"
	opAttachment     = "documents.attachment"
	opList           = "documents.list"
	opCreate         = "documents.create"
	opAddAttachment  = "documents.add_attachment"
	opDiscard        = "documents.discard_attachment"
	opRecordRevision = "documents.record_revision"
	opRestore        = "documents.restore"
	opSetVisibility  = "documents.set_visibility"
	opTrash          = "documents.trash"
	opUntrash        = "documents.untrash"
	opDelete         = "documents.delete"

	metaTrashPriorStatus = "_trash_prior_status"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the document service.
type ServiceConfig struct {
	Store      *content.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service resolves revision chains and maintains the current-attachment pointer.
type Service struct {
	store      *content.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:      cfg.Store,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("documents service error", attrs...)
}

// fail logs an infrastructure failure and wraps it in a ServiceError.
func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}
