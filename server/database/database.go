package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	ocppserver "github.com/balu-dk/go-ocpp-central/ocpp"
)

// DatabaseType represents the type of database to use
type DatabaseType string

const (
	// SQLite database type
	SQLite DatabaseType = "sqlite"
	// PostgreSQL database type
	PostgreSQL DatabaseType = "postgres"
)

// Config holds database configuration
type Config struct {
	Type         DatabaseType `koanf:"type" json:"type"`
	Host         string       `koanf:"host" json:"host"`
	Port         int          `koanf:"port" json:"port"`
	User         string       `koanf:"user" json:"user"`
	Password     string       `koanf:"password" json:"password"`
	DatabaseName string       `koanf:"name" json:"name"`
	SSLMode      string       `koanf:"ssl_mode" json:"ssl_mode"`
	SQLitePath   string       `koanf:"sqlite_path" json:"sqlite_path"`
}

// NewConfig returns the default configuration: a local SQLite file.
func NewConfig() *Config {
	return &Config{
		Type:         SQLite,
		Host:         "localhost",
		Port:         5432,
		User:         "postgres",
		Password:     "postgres",
		DatabaseName: "ocpp_server",
		SSLMode:      "disable",
		SQLitePath:   "ocpp_server.db",
	}
}

// PostgresDSN returns the connection string used for PostgreSQL.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DatabaseName, c.SSLMode)
}

// PostgresURL returns the PostgreSQL connection as a URL, the form pgx expects.
func (c *Config) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DatabaseName, c.SSLMode)
}

const (
	defaultMeterUnit      = "Wh"
	defaultMeterMeasurand = "Energy.Active.Import.Register"
)

// Service stores station state, transactions, meter values, id tags and the
// raw frame archive. It implements ocppserver.Persister, ocppserver.Loader,
// ocppserver.Authorizer and ocppserver.FrameStore.
type Service struct {
	db       *gorm.DB
	dbConfig *Config
	log      zerolog.Logger
	now      func() time.Time
}

var (
	_ ocppserver.Persister  = (*Service)(nil)
	_ ocppserver.Loader     = (*Service)(nil)
	_ ocppserver.Authorizer = (*Service)(nil)
	_ ocppserver.FrameStore = (*Service)(nil)
)

// NewService connects to the configured database and migrates the schema.
func NewService(config *Config, log zerolog.Logger) (*Service, error) {
	var dialector gorm.Dialector
	switch config.Type {
	case PostgreSQL:
		dialector = postgres.Open(config.PostgresDSN())
	case SQLite:
		dialector = sqlite.Open(config.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(gormWriter{log.With().Str("component", "gorm").Logger()}, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	err = db.AutoMigrate(
		&ChargePoint{},
		&Connector{},
		&Transaction{},
		&MeterValue{},
		&Authorization{},
		&RawMessageLog{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	log.Info().Str("type", string(config.Type)).Msg("database ready")
	return &Service{db: db, dbConfig: config, log: log, now: time.Now}, nil
}

// gormWriter routes gorm's slow query and error reports into zerolog.
type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warn().Msgf(format, args...)
}

// GetDB returns the underlying GORM database
func (s *Service) GetDB() *gorm.DB {
	return s.db
}

// GetDatabaseType returns the type of database being used
func (s *Service) GetDatabaseType() DatabaseType {
	return s.dbConfig.Type
}

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveStation upserts the charge point row and its connectors.
func (s *Service) SaveStation(ctx context.Context, rec ocppserver.StationRecord) error {
	profiles, err := json.Marshal(rec.Profiles)
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	reservations, err := json.Marshal(rec.Reservations)
	if err != nil {
		return fmt.Errorf("encode reservations: %w", err)
	}

	cp := ChargePoint{
		ID:                rec.Identity,
		HeartbeatInterval: rec.HeartbeatInterval,
		LastHeartbeat:     rec.LastHeartbeat,
		IsConnected:       rec.Connected,
		Profiles:          string(profiles),
		Reservations:      string(reservations),
	}
	if rec.Boot != nil {
		cp.Vendor = rec.Boot.Vendor
		cp.Model = rec.Boot.Model
		cp.SerialNumber = rec.Boot.SerialNumber
		cp.FirmwareVersion = rec.Boot.FirmwareVersion
		cp.LastBootNotification = rec.Boot.BootedAt
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"model", "vendor", "serial_number", "firmware_version",
				"last_heartbeat", "last_boot_notification", "heartbeat_interval",
				"is_connected", "profiles", "reservations", "updated_at",
			}),
		}).Create(&cp).Error
		if err != nil {
			return fmt.Errorf("save charge point %s: %w", rec.Identity, err)
		}

		if len(rec.Connectors) == 0 {
			return nil
		}
		connectors := make([]Connector, 0, len(rec.Connectors))
		for id, st := range rec.Connectors {
			connectors = append(connectors, Connector{
				ChargePointID: rec.Identity,
				ConnectorID:   id,
				Status:        string(st.Status),
				ErrorCode:     st.ErrorCode,
				Info:          st.Info,
				UpdatedAt:     st.UpdatedAt,
			})
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "charge_point_id"}, {Name: "connector_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "error_code", "info", "updated_at"}),
		}).Create(&connectors).Error
		if err != nil {
			return fmt.Errorf("save connectors of %s: %w", rec.Identity, err)
		}
		return nil
	})
}

func (s *Service) DeleteStation(ctx context.Context, identity string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Connector{}, "charge_point_id = ?", identity).Error; err != nil {
			return err
		}
		return tx.Delete(&ChargePoint{}, "id = ?", identity).Error
	})
}

// SaveTransaction creates the transaction row on start and completes it when
// stop is set.
func (s *Service) SaveTransaction(ctx context.Context, info ocppserver.TransactionInfo, stop *ocppserver.TransactionStop) error {
	db := s.db.WithContext(ctx)
	if stop == nil {
		return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&Transaction{
			TransactionID:  info.ID,
			ChargePointID:  info.Identity,
			ConnectorID:    info.ConnectorID,
			IdTag:          info.IDTag,
			ReservationID:  info.ReservationID,
			StartTimestamp: info.StartedAt,
			MeterStart:     info.MeterStart,
		}).Error
	}

	stoppedAt := stop.StoppedAt
	result := db.Model(&Transaction{}).
		Where("transaction_id = ?", info.ID).
		Updates(map[string]any{
			"stop_timestamp":   &stoppedAt,
			"meter_stop":       stop.MeterStop,
			"energy_delivered": float64(stop.MeterStop-info.MeterStart) / 1000,
			"stop_reason":      stop.Reason,
			"is_complete":      true,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("transaction %d not found", info.ID)
	}
	return nil
}

// SaveMeterValues stores every numeric sampled value. Signed and unparsable
// values are skipped.
func (s *Service) SaveMeterValues(ctx context.Context, identity string, connectorID int, transactionID *int, values []ocppserver.MeterValue) error {
	var rows []MeterValue
	for _, mv := range values {
		for _, sv := range mv.SampledValue {
			if sv.Format == "SignedData" {
				continue
			}
			v, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				s.log.Debug().Str("station", identity).Str("value", sv.Value).Msg("skipping non-numeric sampled value")
				continue
			}
			rows = append(rows, MeterValue{
				TransactionID: transactionID,
				ChargePointID: identity,
				ConnectorID:   connectorID,
				Timestamp:     mv.Timestamp,
				Value:         v,
				Unit:          orDefault(sv.Unit, defaultMeterUnit),
				Measurand:     orDefault(sv.Measurand, defaultMeterMeasurand),
				Phase:         sv.Phase,
				Context:       sv.Context,
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 100).Error
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// LoadStations rebuilds every stored station, including its open
// transactions.
func (s *Service) LoadStations(ctx context.Context) ([]ocppserver.StationRecord, error) {
	db := s.db.WithContext(ctx)

	var chargePoints []ChargePoint
	if err := db.Order("id").Find(&chargePoints).Error; err != nil {
		return nil, err
	}
	var connectors []Connector
	if err := db.Find(&connectors).Error; err != nil {
		return nil, err
	}
	var open []Transaction
	if err := db.Where("is_complete = ?", false).Find(&open).Error; err != nil {
		return nil, err
	}

	byID := make(map[string]*ocppserver.StationRecord, len(chargePoints))
	records := make([]ocppserver.StationRecord, len(chargePoints))
	for i, cp := range chargePoints {
		rec := ocppserver.StationRecord{
			Identity:          cp.ID,
			Connected:         cp.IsConnected,
			HeartbeatInterval: cp.HeartbeatInterval,
			LastHeartbeat:     cp.LastHeartbeat,
			Connectors:        make(map[int]ocppserver.ConnectorState),
			Transactions:      make(map[int]ocppserver.TransactionInfo),
		}
		if cp.Vendor != "" || cp.Model != "" {
			rec.Boot = &ocppserver.BootInfo{
				Vendor:          cp.Vendor,
				Model:           cp.Model,
				SerialNumber:    cp.SerialNumber,
				FirmwareVersion: cp.FirmwareVersion,
				BootedAt:        cp.LastBootNotification,
			}
		}
		if err := decodeJSON(cp.Profiles, &rec.Profiles); err != nil {
			return nil, fmt.Errorf("charge point %s profiles: %w", cp.ID, err)
		}
		if err := decodeJSON(cp.Reservations, &rec.Reservations); err != nil {
			return nil, fmt.Errorf("charge point %s reservations: %w", cp.ID, err)
		}
		records[i] = rec
		byID[cp.ID] = &records[i]
	}

	for _, c := range connectors {
		if rec, ok := byID[c.ChargePointID]; ok {
			rec.Connectors[c.ConnectorID] = ocppserver.ConnectorState{
				Status:    ocppserver.ChargePointStatus(c.Status),
				ErrorCode: c.ErrorCode,
				Info:      c.Info,
				UpdatedAt: c.UpdatedAt,
			}
		}
	}
	for _, tx := range open {
		rec, ok := byID[tx.ChargePointID]
		if !ok {
			continue
		}
		rec.Transactions[tx.ConnectorID] = ocppserver.TransactionInfo{
			ID:            tx.TransactionID,
			Identity:      tx.ChargePointID,
			ConnectorID:   tx.ConnectorID,
			IDTag:         tx.IdTag,
			MeterStart:    tx.MeterStart,
			StartedAt:     tx.StartTimestamp,
			ReservationID: tx.ReservationID,
		}
	}
	return records, nil
}

func decodeJSON[T any](raw string, out *[]T) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

// LastTransactionID returns the highest transaction id ever issued.
func (s *Service) LastTransactionID(ctx context.Context) (int, error) {
	var id int
	err := s.db.WithContext(ctx).Model(&Transaction{}).
		Select("COALESCE(MAX(transaction_id), 0)").
		Scan(&id).Error
	return id, err
}

// Authorize looks idTag up. Unknown tags are stored as Accepted so operators
// can block them later.
func (s *Service) Authorize(ctx context.Context, idTag string) (ocppserver.IdTagInfo, error) {
	auth, err := s.GetAuthorization(ctx, idTag)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		auth = &Authorization{IdTag: idTag, Status: string(ocppserver.AuthorizationAccepted)}
		if err := s.SaveAuthorization(ctx, auth); err != nil {
			s.log.Error().Err(err).Str("id_tag", idTag).Msg("failed to store new id tag")
		}
		return ocppserver.IdTagInfo{Status: ocppserver.AuthorizationAccepted}, nil
	}
	if err != nil {
		return ocppserver.IdTagInfo{}, err
	}

	info := ocppserver.IdTagInfo{
		Status:      ocppserver.AuthorizationStatus(auth.Status),
		ExpiryDate:  auth.ExpiryDate,
		ParentIdTag: auth.ParentIdTag,
	}
	if auth.ExpiryDate != nil && auth.ExpiryDate.Before(s.now()) {
		info.Status = ocppserver.AuthorizationExpired
	}
	return info, nil
}

// SaveAuthorization creates or updates authorization in the database
func (s *Service) SaveAuthorization(ctx context.Context, auth *Authorization) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id_tag"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "parent_id_tag", "expiry_date", "updated_at"}),
	}).Create(auth).Error
}

// GetAuthorization retrieves authorization by ID tag
func (s *Service) GetAuthorization(ctx context.Context, idTag string) (*Authorization, error) {
	var auth Authorization
	if err := s.db.WithContext(ctx).First(&auth, "id_tag = ?", idTag).Error; err != nil {
		return nil, err
	}
	return &auth, nil
}

// ListAuthorizations retrieves all authorizations
func (s *Service) ListAuthorizations(ctx context.Context) ([]Authorization, error) {
	var authorizations []Authorization
	err := s.db.WithContext(ctx).Order("id_tag").Find(&authorizations).Error
	return authorizations, err
}

// DeleteAuthorization removes an authorization from the database
func (s *Service) DeleteAuthorization(ctx context.Context, idTag string) error {
	result := s.db.WithContext(ctx).Delete(&Authorization{}, "id_tag = ?", idTag)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListTransactions retrieves transactions with optional filters, newest first
func (s *Service) ListTransactions(ctx context.Context, chargePointID string, isComplete *bool) ([]Transaction, error) {
	db := s.db.WithContext(ctx)
	if chargePointID != "" {
		db = db.Where("charge_point_id = ?", chargePointID)
	}
	if isComplete != nil {
		db = db.Where("is_complete = ?", *isComplete)
	}

	var transactions []Transaction
	err := db.Order("start_timestamp desc").Find(&transactions).Error
	return transactions, err
}

// GetTransaction retrieves a transaction by transaction ID
func (s *Service) GetTransaction(ctx context.Context, transactionID int) (*Transaction, error) {
	var transaction Transaction
	if err := s.db.WithContext(ctx).First(&transaction, "transaction_id = ?", transactionID).Error; err != nil {
		return nil, err
	}
	return &transaction, nil
}

// GetMeterValues gets all meter values for a transaction in time order
func (s *Service) GetMeterValues(ctx context.Context, transactionID int) ([]MeterValue, error) {
	var meterValues []MeterValue
	err := s.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("timestamp, id").
		Find(&meterValues).Error
	return meterValues, err
}

// SaveFrames appends archived frames to raw_message_logs.
func (s *Service) SaveFrames(ctx context.Context, frames []ocppserver.ArchivedFrame) error {
	if len(frames) == 0 {
		return nil
	}
	rows := make([]RawMessageLog, len(frames))
	for i, f := range frames {
		rows[i] = RawMessageLog{
			ChargePointID: f.ChargePointID,
			Seq:           f.Seq,
			Timestamp:     f.Timestamp,
			Direction:     f.Direction,
			MessageType:   f.MessageType,
			Action:        f.Action,
			MessageID:     f.MessageID,
			Message:       f.Message,
		}
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 100).Error
}

// GetRawMessages returns archived frames of a station, newest first.
func (s *Service) GetRawMessages(ctx context.Context, chargePointID string, limit, offset int) ([]RawMessageLog, error) {
	db := s.db.WithContext(ctx)
	if chargePointID != "" {
		db = db.Where("charge_point_id = ?", chargePointID)
	}
	if limit <= 0 {
		limit = 100
	}
	var logs []RawMessageLog
	err := db.Order("timestamp desc, id desc").Limit(limit).Offset(offset).Find(&logs).Error
	return logs, err
}
