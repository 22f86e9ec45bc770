package storage

// PostgresStore combines the repositories into a Store
type PostgresStore struct {
	*PostgresDB
	*StationRepository
	*ConnectivityRepository
	*RecoveryJobRepository
	*HistoryRepository
	*DeviceRepository
}

// NewPostgresStore wires every repository onto one connection pool
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{
		PostgresDB:             db,
		StationRepository:      NewStationRepository(db),
		ConnectivityRepository: NewConnectivityRepository(db),
		RecoveryJobRepository:  NewRecoveryJobRepository(db),
		HistoryRepository:      NewHistoryRepository(db),
		DeviceRepository:       NewDeviceRepository(db),
	}
}

var _ Store = (*PostgresStore)(nil)
