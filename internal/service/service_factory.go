package service

import (
	"go.uber.org/zap"

	"settings-service/internal/audit"
	"settings-service/internal/repository"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	store           repository.SettingsStore
	sessions        repository.SessionAuthority
	recorder        *audit.Recorder
	logger          *zap.Logger
	settingsService *SettingsService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	store repository.SettingsStore,
	sessions repository.SessionAuthority,
	recorder *audit.Recorder,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		store:    store,
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
	}
}

// SettingsService returns the settings service instance (singleton)
func (f *ServiceFactory) SettingsService() *SettingsService {
	if f.settingsService == nil {
		f.settingsService = NewSettingsService(
			f.store,
			f.sessions,
			f.recorder,
			f.logger,
		)
	}
	return f.settingsService
}
