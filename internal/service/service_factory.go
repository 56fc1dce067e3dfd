package service

import (
	"go.uber.org/zap"

	"access-service/internal/audit"
	"access-service/internal/config"
	"access-service/internal/notify"
	"access-service/internal/repository"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg           *config.Config
	store         repository.Store
	notifier      notify.Notifier
	recorder      *audit.Recorder
	logger        *zap.Logger
	accessService *AccessService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg *config.Config,
	store repository.Store,
	notifier notify.Notifier,
	recorder *audit.Recorder,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
	}
}

// AccessService returns the access service instance (singleton)
func (f *ServiceFactory) AccessService() *AccessService {
	if f.accessService == nil {
		f.accessService = NewAccessService(
			f.cfg.Access,
			f.store,
			f.store,
			f.notifier,
			f.logger.Named("access"),
			WithRecorder(f.recorder),
		)
	}
	return f.accessService
}

// Cleanup cleans up all services
func (f *ServiceFactory) Cleanup() {
	if f.accessService != nil {
		f.accessService.Cleanup()
	}
}
