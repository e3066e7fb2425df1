package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urmzd/slink/pkg/db"
	"github.com/urmzd/slink/pkg/link"
	"github.com/urmzd/slink/pkg/profile"
	"github.com/urmzd/slink/pkg/transfer"
)

func main() {
	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Parse flags
	dbPath := flag.String("db", "", "Path to database file (default: ~/.config/slink/slink.db)")
	profileName := flag.String("profile", "", "Connection profile name (default: active profile)")
	device := flag.String("port", "", "Serial device path (overrides profile)")
	baud := flag.Int("baud", 0, "Baud rate (overrides profile)")
	timeout := flag.Int("timeout", 0, "Reply timeout in seconds (overrides profile)")
	retries := flag.Int("retries", -1, "Maximum retransmissions (overrides profile)")
	outDir := flag.String("out", ".", "Directory for the received file")
	showStats := flag.Bool("stats", false, "Log link statistics on close")
	flag.Parse()

	ctx := context.Background()

	// Open database
	database, err := db.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}()

	// Run migrations
	if err := database.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Bootstrap if needed (first run)
	needsBootstrap, err := database.NeedsBootstrap(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to check bootstrap status")
	}
	if needsBootstrap {
		log.Info().Msg("First run detected, bootstrapping database...")
		if err := database.Bootstrap(ctx, profile.DefaultDocument()); err != nil {
			log.Fatal().Err(err).Msg("Failed to bootstrap database")
		}
	}

	// Load connection profile
	var prof *db.Profile
	if *profileName != "" {
		prof, err = database.Profiles().GetByName(ctx, *profileName)
	} else {
		prof, err = database.Profiles().GetActive(ctx)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load connection profile")
	}

	settings, err := profile.Parse(prof.Settings)
	if err != nil {
		log.Fatal().Err(err).Str("profile", prof.Name).Msg("Invalid profile settings")
	}

	// Apply flag overrides
	if *device != "" {
		settings.Device = *device
	}
	if *baud > 0 {
		settings.BaudRate = *baud
	}
	if *timeout > 0 {
		settings.TimeoutSeconds = *timeout
	}
	if *retries >= 0 {
		settings.Retries = *retries
	}

	log.Info().
		Str("profile", prof.Name).
		Str("device", settings.Device).
		Int("baud", settings.BaudRate).
		Str("out", *outDir).
		Msg("Waiting for transfer")

	// Establish the link and receive the file
	start := time.Now()
	conn, err := link.Open(link.RoleReceiver, settings.LinkParams())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to establish link")
	}

	summary, recvErr := transfer.Receive(conn, *outDir)
	if recvErr != nil {
		log.Error().Err(recvErr).Msg("Transfer failed")
	}

	closeErr := conn.Close(*showStats)
	if closeErr != nil {
		log.Error().Err(closeErr).Msg("Link close failed")
	}

	// Record the outcome
	stats := conn.Stats()
	record := &db.Transfer{
		ProfileID:       prof.ID,
		Role:            link.RoleReceiver.String(),
		Duration:        time.Since(start),
		Retransmissions: stats.Retransmissions,
		Rejects:         stats.RejectsSent + stats.RejectsReceived,
		Timeouts:        stats.Timeouts,
		Status:          db.TransferStatusOK,
	}
	if summary != nil {
		record.FileName = summary.Name
		record.FileSize = uint64(summary.Size)
		record.BytesMoved = summary.Bytes
	}
	if recvErr != nil || closeErr != nil {
		record.Status = db.TransferStatusFailed
	}
	if err := database.Transfers().Record(ctx, record); err != nil {
		log.Error().Err(err).Msg("Failed to record transfer history")
	}

	if recvErr != nil || closeErr != nil {
		os.Exit(1)
	}
}
