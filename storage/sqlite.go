// Copyright 2021-2022 The parksense Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/parksense/common"
	"github.com/alwitt/parksense/geo"
	"github.com/apex/log"
	"github.com/codeGROOVE-dev/retry"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqlStore implements Store on SQLite through gorm
type sqlStore struct {
	common.Component
	db            *gorm.DB
	retryAttempts uint
	queryTimeout  time.Duration
}

// GetSQLiteStore open (creating if needed) the SQLite backed store
func GetSQLiteStore(config common.StorageConfig) (Store, error) {
	logTags := log.Fields{"module": "storage", "component": "sqlite", "instance": config.DBPath}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", config.DBPath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open database")
		return nil, err
	}
	if err := db.AutoMigrate(
		&User{}, &Partner{}, &ParkingLocation{}, &ParkedVisit{}, &LocationHistory{},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Schema migration failed")
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time
	sqlDB.SetMaxOpenConns(1)
	log.WithFields(logTags).Info("Opened database")
	attempts := config.WriteRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := time.Second * time.Duration(config.QueryTimeout)
	if timeout <= 0 {
		timeout = time.Second * 10
	}
	return &sqlStore{
		Component:     common.Component{LogTags: logTags},
		db:            db,
		retryAttempts: attempts,
		queryTimeout:  timeout,
	}, nil
}

// ================================================================
// Helpers

// isTransient whether the SQLite error is worth retrying
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

// tagFailure convert a gorm error into an OperationFailure
func tagFailure(operation string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.NewFailure(common.FailureNotFound, operation, err)
	}
	return common.NewFailure(common.FailureUpstreamQuery, operation, err)
}

// query run a read against the database bounded by the query timeout
func (s *sqlStore) query(
	ctxt context.Context, operation string, fn func(db *gorm.DB) error,
) error {
	useCtxt, cancel := context.WithTimeout(ctxt, s.queryTimeout)
	defer cancel()
	if err := fn(s.db.WithContext(useCtxt)); err != nil {
		return tagFailure(operation, err)
	}
	return nil
}

// write run a write against the database, retrying on transient failures
func (s *sqlStore) write(
	ctxt context.Context, operation string, fn func(db *gorm.DB) error,
) error {
	var lastErr error
	err := retry.Do(
		func() error {
			useCtxt, cancel := context.WithTimeout(ctxt, s.queryTimeout)
			defer cancel()
			lastErr = fn(s.db.WithContext(useCtxt))
			return lastErr
		},
		retry.Attempts(s.retryAttempts),
		retry.Delay(time.Millisecond*50),
		retry.MaxDelay(time.Second),
		retry.Context(ctxt),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WithFields(s.LogTags).Warnf("Retrying %s (attempt %d)", operation, n+1)
		}),
		retry.RetryIf(isTransient),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		log.WithError(lastErr).WithFields(s.LogTags).Errorf("%s failed", operation)
		return tagFailure(operation, lastErr)
	}
	return nil
}

// ================================================================
// Users

// GetUser fetch a user by ID
func (s *sqlStore) GetUser(ctxt context.Context, userID string) (User, error) {
	var user User
	err := s.query(ctxt, "get-user", func(db *gorm.DB) error {
		return db.Where("id = ?", userID).First(&user).Error
	})
	return user, err
}

// CreateUser record a new user
func (s *sqlStore) CreateUser(ctxt context.Context, user User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	return s.write(ctxt, "create-user", func(db *gorm.DB) error {
		return db.Create(&user).Error
	})
}

// UpdateUserLocation record the last known location of a user
func (s *sqlStore) UpdateUserLocation(ctxt context.Context, userID string, lat, lng float64) error {
	return s.write(ctxt, "update-user-location", func(db *gorm.DB) error {
		result := db.Model(&User{}).Where("id = ?", userID).Updates(map[string]interface{}{
			"last_lat": lat, "last_lng": lng,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// RegisterLoginAttempt set the last login date and count the attempt
func (s *sqlStore) RegisterLoginAttempt(ctxt context.Context, userID string, at time.Time) error {
	return s.write(ctxt, "register-login-attempt", func(db *gorm.DB) error {
		result := db.Model(&User{}).Where("id = ?", userID).Updates(map[string]interface{}{
			"last_login_date": at.UTC(),
			"login_attempts":  gorm.Expr("login_attempts + ?", 1),
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ================================================================
// Partners

// GetPartnersByIDs fetch the partners with the given IDs. Unknown IDs are skipped.
func (s *sqlStore) GetPartnersByIDs(ctxt context.Context, partnerIDs []string) ([]Partner, error) {
	partners := []Partner{}
	if len(partnerIDs) == 0 {
		return partners, nil
	}
	err := s.query(ctxt, "get-partners", func(db *gorm.DB) error {
		return db.Where("id IN ?", partnerIDs).Order("rowid").Find(&partners).Error
	})
	return partners, err
}

// CreatePartner record a new partner
func (s *sqlStore) CreatePartner(ctxt context.Context, partner Partner) error {
	if partner.ID == "" {
		partner.ID = uuid.New().String()
	}
	return s.write(ctxt, "create-partner", func(db *gorm.DB) error {
		return db.Create(&partner).Error
	})
}

// ================================================================
// Parking locations

// GetParkingLocation fetch a parking location by ID
func (s *sqlStore) GetParkingLocation(
	ctxt context.Context, parkingID string,
) (ParkingLocation, error) {
	var location ParkingLocation
	err := s.query(ctxt, "get-parking-location", func(db *gorm.DB) error {
		return db.Where("id = ?", parkingID).First(&location).Error
	})
	return location, err
}

// CreateParkingLocation record a new parking location
func (s *sqlStore) CreateParkingLocation(ctxt context.Context, location ParkingLocation) error {
	if location.ID == "" {
		location.ID = uuid.New().String()
	}
	return s.write(ctxt, "create-parking-location", func(db *gorm.DB) error {
		return db.Create(&location).Error
	})
}

// ParkingLocationsWithin fetch the parking locations inside the spherical cap centered on
// a point. Results follow insertion order.
func (s *sqlStore) ParkingLocationsWithin(
	ctxt context.Context, lat, lng, angularRadius float64,
) ([]ParkingLocation, error) {
	center := geo.Point{Lat: lat, Lng: lng}
	minLat, maxLat, minLng, maxLng := geo.BoundingBox(center, angularRadius)
	candidates := []ParkingLocation{}
	err := s.query(ctxt, "parking-locations-within", func(db *gorm.DB) error {
		return db.
			Where("lat BETWEEN ? AND ?", minLat, maxLat).
			Where("lng BETWEEN ? AND ?", minLng, maxLng).
			Order("rowid").
			Find(&candidates).Error
	})
	if err != nil {
		return nil, err
	}
	result := make([]ParkingLocation, 0, len(candidates))
	for _, candidate := range candidates {
		if geo.WithinAngle(center, geo.Point{Lat: candidate.Lat, Lng: candidate.Lng}, angularRadius) {
			result = append(result, candidate)
		}
	}
	log.WithFields(s.LogTags).Debugf(
		"%d of %d boxed parking locations within %.6f rad of (%f, %f)",
		len(result), len(candidates), angularRadius, lat, lng,
	)
	return result, nil
}

// ================================================================
// Parked visits

// LastVisitSince fetch the newest parked visit of a user at or after a time
func (s *sqlStore) LastVisitSince(
	ctxt context.Context, userID string, since time.Time,
) (*ParkedVisit, error) {
	visits := []ParkedVisit{}
	err := s.query(ctxt, "last-visit-since", func(db *gorm.DB) error {
		return db.
			Where("user_id = ? AND parked_at_ms >= ?", userID, since.UnixMilli()).
			Order("parked_at_ms desc").
			Limit(1).
			Find(&visits).Error
	})
	if err != nil {
		return nil, err
	}
	if len(visits) == 0 {
		return nil, nil
	}
	return &visits[0], nil
}

// CreateParkedVisit record a new parked visit
func (s *sqlStore) CreateParkedVisit(
	ctxt context.Context, visit ParkedVisit,
) (ParkedVisit, error) {
	if visit.ID == "" {
		visit.ID = uuid.New().String()
	}
	err := s.write(ctxt, "create-parked-visit", func(db *gorm.DB) error {
		return db.Create(&visit).Error
	})
	return visit, err
}

// ListParkedVisits fetch all parked visits of a user, oldest first
func (s *sqlStore) ListParkedVisits(ctxt context.Context, userID string) ([]ParkedVisit, error) {
	visits := []ParkedVisit{}
	err := s.query(ctxt, "list-parked-visits", func(db *gorm.DB) error {
		return db.Where("user_id = ?", userID).Order("parked_at_ms, rowid").Find(&visits).Error
	})
	return visits, err
}

// ================================================================
// Location history

// AppendLocationHistory add an entry to a user's location trail
func (s *sqlStore) AppendLocationHistory(
	ctxt context.Context, userID string, lat, lng float64, at time.Time,
) error {
	entry := LocationHistory{UserID: userID, Lat: lat, Lng: lng, RecordedAtMS: at.UnixMilli()}
	return s.write(ctxt, "append-location-history", func(db *gorm.DB) error {
		return db.Create(&entry).Error
	})
}

// ListLocationHistory fetch a user's location trail, oldest first
func (s *sqlStore) ListLocationHistory(
	ctxt context.Context, userID string,
) ([]LocationHistory, error) {
	entries := []LocationHistory{}
	err := s.query(ctxt, "list-location-history", func(db *gorm.DB) error {
		return db.Where("user_id = ?", userID).Order("id").Find(&entries).Error
	})
	return entries, err
}

// ================================================================

// Ready check the store is usable
func (s *sqlStore) Ready(ctxt context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return tagFailure("ready", err)
	}
	useCtxt, cancel := context.WithTimeout(ctxt, s.queryTimeout)
	defer cancel()
	if err := sqlDB.PingContext(useCtxt); err != nil {
		return tagFailure("ready", err)
	}
	return nil
}

// Close release the store
func (s *sqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	log.WithFields(s.LogTags).Info("Closing database")
	return sqlDB.Close()
}
