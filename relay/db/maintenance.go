package db

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/tesserafin/ledger-relay/relay/store"
)

// Maintenance periodically prunes resolved dead-letter rows past their
// retention period and checkpoints the WAL so the log file cannot grow
// unbounded. Command rows are never pruned.
type Maintenance struct {
	database  *DB
	interval  time.Duration
	retention time.Duration
	logger    zerolog.Logger
	ticker    *time.Ticker
	stopCh    chan struct{}
}

// NewMaintenance creates the maintenance sweeper.
func NewMaintenance(database *DB, interval, retention time.Duration, logger zerolog.Logger) *Maintenance {
	return &Maintenance{
		database:  database,
		interval:  interval,
		retention: retention,
		logger:    logger.With().Str("component", "maintenance").Logger(),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic sweep.
func (m *Maintenance) Start(ctx context.Context) error {
	m.logger.Info().
		Dur("interval", m.interval).
		Dur("retention", m.retention).
		Msg("starting maintenance sweeper")

	if err := m.performSweep(); err != nil {
		m.logger.Error().Err(err).Msg("failed to perform initial sweep")
		// Don't fail startup on sweep errors, just log them
	}

	m.ticker = time.NewTicker(m.interval)

	go func() {
		defer m.ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info().Msg("context cancelled, stopping maintenance sweeper")
				return
			case <-m.stopCh:
				m.logger.Info().Msg("stop signal received, stopping maintenance sweeper")
				return
			case <-m.ticker.C:
				if err := m.performSweep(); err != nil {
					m.logger.Error().Err(err).Msg("failed to perform scheduled sweep")
				}
			}
		}
	}()

	return nil
}

// Stop gracefully stops the sweeper.
func (m *Maintenance) Stop() {
	m.logger.Info().Msg("stopping maintenance sweeper")
	close(m.stopCh)
	if m.ticker != nil {
		m.ticker.Stop()
	}
}

func (m *Maintenance) performSweep() error {
	start := time.Now()

	deleted, err := m.database.PruneResolvedDeadLetters(m.retention)
	if err != nil {
		return err
	}

	if deleted > 0 {
		m.checkpointWAL()
		m.logger.Info().
			Int64("deleted", deleted).
			Dur("duration", time.Since(start)).
			Msg("maintenance sweep completed")
	} else {
		m.logger.Debug().
			Dur("duration", time.Since(start)).
			Msg("maintenance sweep completed - nothing to prune")
	}
	return nil
}

// checkpointWAL forces a checkpoint and truncates the WAL file.
func (m *Maintenance) checkpointWAL() {
	if err := m.database.Client().Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		m.logger.Warn().Err(err).Msg("failed to checkpoint WAL")
	}
}

// PruneResolvedDeadLetters deletes resolved dead-letter rows whose last
// update is older than the retention period. Returns the number of rows
// removed.
func (d *DB) PruneResolvedDeadLetters(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result := d.client.
		Where("resolved = ? AND updated_at < ?", true, cutoff).
		Delete(&store.DeadLetterEvent{})
	return result.RowsAffected, result.Error
}
