// Command e2eectl exercises the encryption engine end to end against
// in-process stores: pairwise session establishment, group sender-key
// fanout, and multi-device linking and backup, without requiring a live
// directory service. It follows keyctl's flag-subcommand conventions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"e2ee/internal/clock"
	"e2ee/internal/config"
	"e2ee/internal/keystore/memstore"
	"e2ee/internal/multidevice"
	"e2ee/internal/observability/logging"
	"e2ee/internal/pairwise"
)

// engineCfg and logger are loaded once from the environment (see
// internal/config) and shared across every demo subcommand, the way a
// long-lived embedder would load them once at startup.
var (
	engineCfg = config.Load()
	logger    = logging.New(logging.Config{Component: "e2eectl", Environment: "dev", Level: engineCfg.LogLevel})
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "demo-pairwise":
		err = runDemoPairwise(args)
	case "demo-group":
		err = runDemoGroup(args)
	case "demo-backup":
		err = runDemoBackup(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  demo-pairwise   Walk through an X3DH handshake and a ratcheted exchange")
	fmt.Fprintln(os.Stderr, "  demo-group      Walk through sender-key distribution and a membership change")
	fmt.Fprintln(os.Stderr, "  demo-backup     Walk through multi-device backup creation and restore")
	os.Exit(2)
}

func runDemoPairwise(args []string) error {
	fs := flag.NewFlagSet("demo-pairwise", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	message := fs.String("message", "hello from alice", "plaintext to send")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	dir := newLoopbackDirectory()

	alice := pairwise.New(memstore.New(), dir, clock.System{}, pairwiseConfig("alice"))
	bob := pairwise.New(memstore.New(), dir, clock.System{}, pairwiseConfig("bob"))
	alice.SetLogger(logger)
	bob.SetLogger(logger)
	if err := alice.Enable(ctx); err != nil {
		return fmt.Errorf("alice.Enable: %w", err)
	}
	if err := bob.Enable(ctx); err != nil {
		return fmt.Errorf("bob.Enable: %w", err)
	}

	payload, err := alice.Encrypt(ctx, "bob", []byte(*message), "")
	if err != nil {
		return fmt.Errorf("alice.Encrypt: %w", err)
	}
	plaintext, err := bob.Decrypt(ctx, "alice", payload, "")
	if err != nil {
		return fmt.Errorf("bob.Decrypt: %w", err)
	}

	safetyNumber, err := alice.SafetyNumber(ctx, "bob")
	if err != nil {
		return fmt.Errorf("alice.SafetyNumber: %w", err)
	}

	return printJSON(map[string]any{
		"isInitialMessage": payload.IsInitial,
		"decrypted":        string(plaintext),
		"safetyNumber":     safetyNumber,
	})
}

func runDemoGroup(args []string) error {
	fs := flag.NewFlagSet("demo-group", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	room := fs.String("room", "demo-room", "room id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	dir := newLoopbackDirectory()
	box := newOutbox()

	alice := newGroupParticipant(ctx, "alice", dir, box)
	bob := newGroupParticipant(ctx, "bob", dir, box)
	carol := newGroupParticipant(ctx, "carol", dir, box)
	members := map[string]*groupParticipant{"alice": alice, "bob": bob, "carol": carol}

	if err := alice.group.InitializeForRoom(ctx, *room, []string{"alice", "bob", "carol"}); err != nil {
		return fmt.Errorf("InitializeForRoom: %w", err)
	}
	box.deliver(ctx, members)

	before, err := alice.group.Encrypt(ctx, *room, []byte("visible to everyone"))
	if err != nil {
		return fmt.Errorf("Encrypt(before removal): %w", err)
	}
	carolSaw, err := carol.group.Decrypt(ctx, before)
	if err != nil {
		return fmt.Errorf("carol.Decrypt(before): %w", err)
	}

	if err := alice.group.OnMemberLeft(ctx, *room, "carol"); err != nil {
		return fmt.Errorf("OnMemberLeft: %w", err)
	}
	box.deliver(ctx, members)

	after, err := alice.group.Encrypt(ctx, *room, []byte("bob only now"))
	if err != nil {
		return fmt.Errorf("Encrypt(after removal): %w", err)
	}
	bobSaw, err := bob.group.Decrypt(ctx, after)
	if err != nil {
		return fmt.Errorf("bob.Decrypt(after): %w", err)
	}
	_, carolErr := carol.group.Decrypt(ctx, after)

	return printJSON(map[string]any{
		"keyIdBeforeRemoval": before.KeyID,
		"keyIdAfterRemoval":  after.KeyID,
		"rotated":            before.KeyID != after.KeyID,
		"carolSawBefore":     string(carolSaw),
		"bobSawAfter":        string(bobSaw),
		"carolExcludedAfter": carolErr != nil,
	})
}

func runDemoBackup(args []string) error {
	fs := flag.NewFlagSet("demo-backup", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	password := fs.String("password", "correct horse battery staple", "backup password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	dir := newLoopbackDirectory()

	store := memstore.New()
	original := pairwise.New(store, dir, clock.System{}, pairwiseConfig("alice"))
	original.SetLogger(logger)
	if err := original.Enable(ctx); err != nil {
		return fmt.Errorf("Enable: %w", err)
	}

	md := multidevice.New(store, dir, clock.System{}, multideviceConfig("alice"))
	md.SetLogger(logger)
	if err := md.Initialize(ctx, multideviceConfig("alice")); err != nil {
		return fmt.Errorf("Initialize: %w", err)
	}

	blob, err := md.CreateBackup(ctx, *password)
	if err != nil {
		return fmt.Errorf("CreateBackup: %w", err)
	}

	restoredStore := memstore.New()
	restoreMD := multidevice.New(restoredStore, dir, clock.System{}, multideviceConfig("alice"))
	restoreMD.SetLogger(logger)

	wrongPasswordErr := restoreMD.RestoreBackup(ctx, "not the password", &blob)
	if err := restoreMD.RestoreBackup(ctx, *password, &blob); err != nil {
		return fmt.Errorf("RestoreBackup: %w", err)
	}

	return printJSON(map[string]any{
		"backupVersion":       blob.Version,
		"backupTimestamp":     blob.Timestamp.Format(time.RFC3339),
		"wrongPasswordFailed": wrongPasswordErr != nil,
		"restored":            true,
	})
}

// pairwiseConfig builds a pairwise.Config for userID from the loaded
// environment configuration, the same values a live directory-backed
// Service would use.
func pairwiseConfig(userID string) pairwise.Config {
	return pairwise.Config{
		APIBase:                      engineCfg.DirectoryBaseURL,
		AuthToken:                    engineCfg.AuthToken,
		UserID:                       userID,
		OneTimePrekeyRefillThreshold: engineCfg.OneTimePrekeyRefillThreshold,
		OneTimePrekeyTarget:          engineCfg.OneTimePrekeyTarget,
		SignedPrekeyRotationInterval: engineCfg.SignedPrekeyRotationInterval,
	}
}

// multideviceConfig builds a multidevice.Config for userID, overriding
// PBKDF2Iterations down from the environment default since the demo runs
// backup/restore inline and a production iteration count would make it
// noticeably slow.
func multideviceConfig(userID string) multidevice.Config {
	cfg := multidevice.Config{
		UserID:           userID,
		LinkingCodeTTL:   engineCfg.LinkingCodeTTL,
		PollInterval:     engineCfg.LinkingPollInterval,
		PollTimeout:      engineCfg.LinkingPollTimeout,
		PBKDF2Iterations: 10_000,
	}
	return cfg
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
