package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is durable per-channel state plus commitment persistence. It
// is the single source of truth for a channel; SaveChannelState is an
// atomic compare-and-set on the expected nonce so per-channel
// serialization holds even across process restarts or multiple
// orchestrator instances.
type Store interface {
	// GetChannelState returns the latest stored state for a channel, or
	// nil when the channel is unknown.
	GetChannelState(ctx context.Context, channelAddress common.Address) (*FullChannelState, error)
	// GetChannelCommitment returns the latest double-signed update for a
	// channel, or nil when none was persisted.
	GetChannelCommitment(ctx context.Context, channelAddress common.Address) (*ChannelUpdate, error)
	// GetLatestDepositNonce returns the reconciliation watermark for one
	// channel asset; zero when the asset was never reconciled.
	GetLatestDepositNonce(ctx context.Context, channelAddress common.Address, assetID common.Address) (uint64, error)
	// SaveChannelState persists the state and its double-signed
	// commitment. The write succeeds only when the stored nonce is
	// exactly state.Nonce - 1 (or the channel is new and state.Nonce is
	// 1); otherwise it fails with ErrCodeStaleChannelState.
	SaveChannelState(ctx context.Context, state *FullChannelState, commitment *ChannelUpdate) error
	// GetChannelStates lists all stored channel states.
	GetChannelStates(ctx context.Context) ([]FullChannelState, error)
}

// ChannelStateRecord is the gorm model holding the latest state per channel.
type ChannelStateRecord struct {
	ChannelAddress string         `gorm:"column:channel_address;primaryKey"`
	Nonce          uint64         `gorm:"column:nonce;not null"`
	ChainID        uint32         `gorm:"column:chain_id;not null"`
	State          datatypes.JSON `gorm:"column:state;type:text;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ChannelStateRecord) TableName() string {
	return "channel_states"
}

// ChannelCommitmentRecord holds the latest double-signed update per channel.
type ChannelCommitmentRecord struct {
	ChannelAddress string        `gorm:"column:channel_address;primaryKey"`
	Nonce          uint64         `gorm:"column:nonce;not null"`
	Commitment     datatypes.JSON `gorm:"column:commitment;type:text;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ChannelCommitmentRecord) TableName() string {
	return "channel_commitments"
}

// ChannelDepositRecord tracks the per-asset reconciliation watermark.
type ChannelDepositRecord struct {
	ID                 uint   `gorm:"primaryKey"`
	ChannelAddress     string `gorm:"column:channel_address;not null;uniqueIndex:idx_channel_asset"`
	AssetID            string `gorm:"column:asset_id;not null;uniqueIndex:idx_channel_asset"`
	LatestDepositNonce uint64 `gorm:"column:latest_deposit_nonce;not null;default:0"`
	UpdatedAt          time.Time
}

func (ChannelDepositRecord) TableName() string {
	return "channel_deposits"
}

// GormStore implements Store on a gorm database handle (sqlite or
// postgres, see database.go).
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetChannelState(ctx context.Context, channelAddress common.Address) (*FullChannelState, error) {
	var record ChannelStateRecord
	err := s.db.WithContext(ctx).Where("channel_address = ?", channelAddress.Hex()).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, NewChannelError(ErrCodeStoreFailure, "failed to load channel state: %v", err).
			WithChannel(channelAddress.Hex()).WithCause(err)
	}
	var state FullChannelState
	if err := json.Unmarshal(record.State, &state); err != nil {
		return nil, NewChannelError(ErrCodeStoreFailure, "failed to decode channel state: %v", err).
			WithChannel(channelAddress.Hex()).WithCause(err)
	}
	return &state, nil
}

func (s *GormStore) GetChannelCommitment(ctx context.Context, channelAddress common.Address) (*ChannelUpdate, error) {
	var record ChannelCommitmentRecord
	err := s.db.WithContext(ctx).Where("channel_address = ?", channelAddress.Hex()).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, NewChannelError(ErrCodeStoreFailure, "failed to load channel commitment: %v", err).
			WithChannel(channelAddress.Hex()).WithCause(err)
	}
	var commitment ChannelUpdate
	if err := json.Unmarshal(record.Commitment, &commitment); err != nil {
		return nil, NewChannelError(ErrCodeStoreFailure, "failed to decode channel commitment: %v", err).
			WithChannel(channelAddress.Hex()).WithCause(err)
	}
	return &commitment, nil
}

func (s *GormStore) GetLatestDepositNonce(ctx context.Context, channelAddress common.Address, assetID common.Address) (uint64, error) {
	var record ChannelDepositRecord
	err := s.db.WithContext(ctx).
		Where("channel_address = ? AND asset_id = ?", channelAddress.Hex(), assetID.Hex()).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, NewChannelError(ErrCodeStoreFailure, "failed to load deposit record: %v", err).
			WithChannel(channelAddress.Hex()).WithCause(err)
	}
	return record.LatestDepositNonce, nil
}

func (s *GormStore) SaveChannelState(ctx context.Context, state *FullChannelState, commitment *ChannelUpdate) error {
	if state == nil || commitment == nil {
		return NewChannelError(ErrCodeStoreFailure, "state and commitment are required")
	}

	channelHex := state.ChannelAddress.Hex()
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return NewChannelError(ErrCodeStoreFailure, "failed to encode channel state: %v", err).
			WithChannel(channelHex).WithCause(err)
	}
	commitmentJSON, err := json.Marshal(commitment)
	if err != nil {
		return NewChannelError(ErrCodeStoreFailure, "failed to encode channel commitment: %v", err).
			WithChannel(channelHex).WithCause(err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if state.Nonce == 1 {
			record := ChannelStateRecord{
				ChannelAddress: channelHex,
				Nonce:          state.Nonce,
				ChainID:        state.NetworkContext.ChainID,
				State:          datatypes.JSON(stateJSON),
				CreatedAt:      time.Now(),
				UpdatedAt:      time.Now(),
			}
			if err := tx.Create(&record).Error; err != nil {
				// A primary key conflict means the channel was set up
				// concurrently; the caller must re-read.
				return NewChannelError(ErrCodeStaleChannelState, "channel already exists: %v", err).
					WithChannel(channelHex).WithCause(err)
			}
		} else {
			res := tx.Model(&ChannelStateRecord{}).
				Where("channel_address = ? AND nonce = ?", channelHex, state.Nonce-1).
				Updates(map[string]interface{}{
					"nonce":      state.Nonce,
					"state":      datatypes.JSON(stateJSON),
					"updated_at": time.Now(),
				})
			if res.Error != nil {
				return NewChannelError(ErrCodeStoreFailure, "failed to update channel state: %v", res.Error).
					WithChannel(channelHex).WithCause(res.Error)
			}
			if res.RowsAffected != 1 {
				return NewChannelError(ErrCodeStaleChannelState, "stored nonce is not %d", state.Nonce-1).
					WithChannel(channelHex).
					WithContext("savedNonce", fmt.Sprintf("%d", state.Nonce))
			}
		}

		commitmentRecord := ChannelCommitmentRecord{
			ChannelAddress: channelHex,
			Nonce:          commitment.Nonce,
			Commitment:     datatypes.JSON(commitmentJSON),
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_address"}},
			DoUpdates: clause.AssignmentColumns([]string{"nonce", "commitment", "updated_at"}),
		}).Create(&commitmentRecord).Error; err != nil {
			return NewChannelError(ErrCodeStoreFailure, "failed to save channel commitment: %v", err).
				WithChannel(channelHex).WithCause(err)
		}

		for i, assetID := range state.AssetIDs {
			depositRecord := ChannelDepositRecord{
				ChannelAddress:     channelHex,
				AssetID:            assetID.Hex(),
				LatestDepositNonce: state.LatestDepositNonces[i],
				UpdatedAt:          time.Now(),
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "channel_address"}, {Name: "asset_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"latest_deposit_nonce", "updated_at"}),
			}).Create(&depositRecord).Error; err != nil {
				return NewChannelError(ErrCodeStoreFailure, "failed to save deposit record: %v", err).
					WithChannel(channelHex).WithCause(err)
			}
		}
		return nil
	})
}

func (s *GormStore) GetChannelStates(ctx context.Context) ([]FullChannelState, error) {
	var records []ChannelStateRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, NewChannelError(ErrCodeStoreFailure, "failed to list channel states: %v", err).WithCause(err)
	}
	states := make([]FullChannelState, 0, len(records))
	for _, record := range records {
		var state FullChannelState
		if err := json.Unmarshal(record.State, &state); err != nil {
			return nil, NewChannelError(ErrCodeStoreFailure, "failed to decode channel state: %v", err).
				WithChannel(record.ChannelAddress).WithCause(err)
		}
		states = append(states, state)
	}
	return states, nil
}
