package postgres

// Repositories groups concrete PostgreSQL repository implementations.
type Repositories struct {
	AuthRecords   *AuthRecordRepository
	PendingLogins *PendingLoginRepository
	LoginAttempts *LoginAttemptRepository
	LoginLog      *LoginLogRepository
	LegacySecrets *LegacySecretRepository
	Users         *UserDirectory
	Tx            *TxManager
}

// NewRepositories wires all repositories backed by the provided pool.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		AuthRecords:   NewAuthRecordRepository(db),
		PendingLogins: NewPendingLoginRepository(db),
		LoginAttempts: NewLoginAttemptRepository(db),
		LoginLog:      NewLoginLogRepository(db),
		LegacySecrets: NewLegacySecretRepository(db),
		Users:         NewUserDirectory(db),
		Tx:            NewTxManager(db),
	}
}
