package repository

import (
	"testing"
)

func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ UserRepository = (*PostgresUserRepo)(nil)
	var _ FriendRepository = (*PostgresFriendRepo)(nil)
	var _ HistoryRepository = (*PostgresHistoryRepo)(nil)
	var _ AlertRepository = (*PostgresAlertRepo)(nil)
	var _ AuditRepository = (*PostgresAuditRepo)(nil)
}

func TestNewPostgresRepos_Initialize(t *testing.T) {
	if NewPostgresUserRepo(nil) == nil {
		t.Error("NewPostgresUserRepo returned nil")
	}
	if NewPostgresFriendRepo(nil) == nil {
		t.Error("NewPostgresFriendRepo returned nil")
	}
	if NewPostgresHistoryRepo(nil) == nil {
		t.Error("NewPostgresHistoryRepo returned nil")
	}
	if NewPostgresAlertRepo(nil) == nil {
		t.Error("NewPostgresAlertRepo returned nil")
	}
	if NewPostgresAuditRepo(nil) == nil {
		t.Error("NewPostgresAuditRepo returned nil")
	}
}
