// steamos-mount - Entry Point
//
// This is the unprivileged CLI for managing NTFS and exFAT game drives on
// SteamOS-like systems. It discovers volumes, writes managed /etc/fstab
// entries, drives systemd mount units, repairs dirty NTFS volumes, and
// registers mounted drives as Steam libraries.
//
// Privileged work never runs in this process: the CLI spawns the
// steamos-mountd daemon under pkexec or sudo on first need and drives it
// over an authenticated stdin/stdout channel. One invocation shows at most
// one authentication prompt.
//
// Subcommands:
//
//	list     show mountable NTFS/exFAT volumes and their state
//	status   show managed entries and their mount unit state
//	mount    write a managed entry and start the mount unit
//	unmount  stop the mount unit (optionally forget the entry)
//	repair   clear the NTFS dirty flag with ntfsfix
//	watch    keep running and report newly attached drives
//	history  show the operation journal
//	version  print version information
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aitiotekt/steamos-mount/internal/config"
	"github.com/aitiotekt/steamos-mount/internal/devices"
	"github.com/aitiotekt/steamos-mount/internal/fstab"
	"github.com/aitiotekt/steamos-mount/internal/journal"
	"github.com/aitiotekt/steamos-mount/internal/logging"
	"github.com/aitiotekt/steamos-mount/internal/mountctl"
	"github.com/aitiotekt/steamos-mount/internal/preset"
	"github.com/aitiotekt/steamos-mount/internal/session"
	"github.com/aitiotekt/steamos-mount/internal/steam"
	"github.com/aitiotekt/steamos-mount/internal/version"
	"github.com/aitiotekt/steamos-mount/internal/watcher"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("steamos-mount", flag.ContinueOnError)
	configPath := flags.String("config", config.DefaultPath(), "path to configuration file")
	showVersion := flags.Bool("version", false, "print version information and exit")
	flags.Usage = usage
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Println(version.Info())
		return 0
	}
	if flags.NArg() == 0 {
		usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		return 1
	}
	logger := logging.SetupLogger(cfg.LogLevel)

	// First run: persist the effective defaults so the user has a file to
	// edit instead of guessing key names.
	if _, statErr := os.Stat(*configPath); os.IsNotExist(statErr) {
		if err := config.Save(*configPath, cfg); err != nil {
			logger.Warn("could not write default configuration",
				slog.String("path", *configPath),
				slog.String("error", err.Error()))
		} else {
			logger.Info("wrote default configuration", slog.String("path", *configPath))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app := &app{cfg: cfg, logger: logger}
	defer app.close()

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	if err := app.dispatch(ctx, cmd, rest); err != nil {
		if errors.Is(err, session.ErrAuthenticationCancelled) {
			fmt.Fprintln(os.Stderr, "Authentication was cancelled; nothing was changed.")
			return 1
		}
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: steamos-mount [-config path] <command> [arguments]

Commands:
  list                       show mountable NTFS/exFAT volumes
  status                     show managed entries and mount unit state
  mount <device|identity>    configure and mount a volume
  unmount <target>           stop the mount unit for a managed volume
  repair <device|identity>   clear the NTFS dirty flag
  watch                      report newly attached drives until interrupted
  history                    show recent operations
  version                    print version information

Run 'steamos-mount <command> -h' for command flags.
`)
}

// app wires the subsystems together. The privileged session is created on
// first use so read-only commands never show an authentication prompt.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	sess *session.Session
	jrnl *journal.Journal
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "list":
		return a.cmdList(ctx)
	case "status":
		return a.cmdStatus(ctx)
	case "mount":
		return a.cmdMount(ctx, args)
	case "unmount":
		return a.cmdUnmount(ctx, args)
	case "repair":
		return a.cmdRepair(ctx, args)
	case "watch":
		return a.cmdWatch(ctx)
	case "history":
		return a.cmdHistory(args)
	case "version":
		fmt.Println(version.Info())
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) close() {
	if a.sess != nil {
		if err := a.sess.Close(); err != nil {
			a.logger.Warn("session close failed", slog.String("error", err.Error()))
		}
	}
	if a.jrnl != nil {
		a.jrnl.Close()
	}
}

// session returns the shared privileged session, creating it on first call.
func (a *app) session() (*session.Session, error) {
	if a.sess != nil {
		return a.sess, nil
	}

	daemonPath := a.cfg.DaemonPath
	if daemonPath == "" {
		var err error
		daemonPath, err = session.ResolveDaemonPath()
		if err != nil {
			return nil, err
		}
	}
	spawner, err := session.NewSpawner(a.cfg.ElevationTool, daemonPath)
	if err != nil {
		return nil, err
	}

	a.sess = session.New(spawner,
		session.WithLogger(a.logger),
		session.WithHandshakeTimeout(time.Duration(a.cfg.HandshakeTimeoutSeconds)*time.Second))
	return a.sess, nil
}

// journal returns the operation journal. Journal failures must never block a
// mount, so a broken journal is logged and recorded as nil.
func (a *app) journal() *journal.Journal {
	if a.jrnl != nil {
		return a.jrnl
	}
	j, err := journal.Open(a.cfg.JournalPath)
	if err != nil {
		a.logger.Warn("operation journal unavailable",
			slog.String("path", a.cfg.JournalPath),
			slog.String("error", err.Error()))
		return nil
	}
	a.jrnl = j
	return j
}

func (a *app) record(r *journal.Record) {
	j := a.journal()
	if j == nil {
		return
	}
	if err := j.Append(r); err != nil {
		a.logger.Warn("journal append failed", slog.String("error", err.Error()))
	}
}

func (a *app) manager() (*fstab.Manager, error) {
	sess, err := a.session()
	if err != nil {
		return nil, err
	}
	return fstab.NewManager(a.cfg.FstabPath, a.cfg.BackupPath, sess, a.logger), nil
}

func (a *app) controller() (*mountctl.Controller, error) {
	sess, err := a.session()
	if err != nil {
		return nil, err
	}
	return mountctl.NewController(sess, a.logger), nil
}

func (a *app) cmdList(ctx context.Context) error {
	scanner := devices.NewScanner(a.logger)
	volumes, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}
	if len(volumes) == 0 {
		fmt.Println("No mountable NTFS or exFAT volumes found.")
		return nil
	}

	managed := map[fstab.MountIdentity]fstab.Entry{}
	if doc, err := loadTable(a.cfg.FstabPath); err == nil {
		for _, e := range doc.Entries() {
			managed[e.Identity] = e
		}
	}

	fmt.Printf("%-12s %-6s %-8s %-20s %-10s %s\n",
		"DEVICE", "FS", "SIZE", "LABEL", "STATE", "IDENTITY")
	for _, vol := range volumes {
		state := "new"
		if _, ok := managed[vol.Identity]; ok {
			state = "managed"
		}
		if vol.Device.Mountpoint != "" {
			state = "mounted"
		}
		label := vol.Device.Label
		if label == "" {
			label = "-"
		}
		fmt.Printf("%-12s %-6s %-8s %-20s %-10s %s\n",
			vol.Device.Path, vol.MountFSType, vol.Device.Size, label, state, vol.Identity.Spec())
		if vol.Usage != nil {
			fmt.Printf("             used %.0f%% of %s at %s\n",
				vol.Usage.UsedPercent, vol.Device.Size, vol.Device.Mountpoint)
		}
	}
	return nil
}

func (a *app) cmdStatus(ctx context.Context) error {
	doc, err := loadTable(a.cfg.FstabPath)
	if err != nil {
		return err
	}
	entries := doc.Entries()
	if len(entries) == 0 {
		fmt.Println("No managed entries.")
		return nil
	}

	scanner := devices.NewScanner(a.logger)
	// Unit state queries are unprivileged; no session is needed here.
	ctl := mountctl.NewController(nil, a.logger)

	// A missing or unreadable vdf just means no entry is a Steam library.
	steamPaths := map[string]bool{}
	lib := steam.NewLibrary(steam.VDFPath(a.cfg.SteamRoot), a.logger)
	if folders, err := lib.Folders(); err == nil {
		for _, f := range folders {
			steamPaths[f.Path] = true
		}
	}

	fmt.Printf("%-28s %-34s %-10s %-8s %s\n", "IDENTITY", "MOUNT POINT", "UNIT", "STEAM", "DEVICE")
	for _, entry := range entries {
		unitState := "unknown"
		if state, err := ctl.UnitActiveState(ctx, entry.MountPoint); err == nil {
			unitState = state
		}

		present := "absent"
		if vol, err := scanner.FindByIdentity(ctx, entry.Identity); err == nil && vol != nil {
			present = vol.Device.Path
		}

		steamState := "-"
		if steamPaths[entry.MountPoint] {
			steamState = "library"
		}

		fmt.Printf("%-28s %-34s %-10s %-8s %s\n",
			entry.Identity.Spec(), entry.MountPoint, unitState, steamState, present)
	}
	return nil
}

func (a *app) cmdMount(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("mount", flag.ContinueOnError)
	name := flags.String("name", "", "mount directory name under the mount base")
	removable := flags.Bool("removable", false, "treat as removable (automount on access)")
	fixed := flags.Bool("fixed", false, "treat as fixed (wait for device at boot)")
	hdd := flags.Bool("hdd", false, "treat as rotational media (disables discard)")
	extraOpts := flags.String("options", "", "extra mount options, comma separated")
	addSteam := flags.Bool("steam", false, "register the mount as a Steam library")
	repairDirty := flags.Bool("repair", false, "clear the NTFS dirty flag automatically if needed")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("mount needs exactly one device path or identity")
	}

	scanner := devices.NewScanner(a.logger)
	vol, err := resolveVolume(ctx, scanner, flags.Arg(0))
	if err != nil {
		return err
	}

	p := preset.Suggest(*vol)
	switch {
	case *removable && *fixed:
		return errors.New("-removable and -fixed are mutually exclusive")
	case *removable:
		p.Attachment = preset.AttachmentRemovable
	case *fixed:
		p.Attachment = preset.AttachmentFixed
	}
	if *hdd {
		p.Media = preset.MediaRotational
	}
	if *extraOpts != "" {
		p.CustomOptions = strings.Split(*extraOpts, ",")
	}

	mountName := *name
	if mountName == "" {
		mountName = vol.SuggestedMountName()
	}
	mountPoint := a.cfg.MountBase + "/" + mountName

	entry := p.Entry(vol.Identity, mountPoint, a.cfg.MountUID, a.cfg.MountGID)
	fmt.Printf("Mount options: %s\n", p.OptionsString(a.cfg.MountUID, a.cfg.MountGID))
	fmt.Printf("Writing mount table entry:\n  %s\n", entry.Line())

	mgr, err := a.manager()
	if err != nil {
		return err
	}
	ctl, err := a.controller()
	if err != nil {
		return err
	}

	if err := mgr.Apply(ctx, vol.Identity, &entry); err != nil {
		a.record(&journal.Record{Operation: journal.OpUpsertEntry,
			Identity: vol.Identity.Spec(), MountPoint: mountPoint, Error: err.Error()})
		return err
	}
	a.record(&journal.Record{Operation: journal.OpUpsertEntry,
		Identity: vol.Identity.Spec(), MountPoint: mountPoint, Detail: entry.Line()})

	if err := ctl.EnsureMountPoint(ctx, mountPoint); err != nil {
		return err
	}

	err = ctl.Mount(ctx, mountPoint)
	if errors.Is(err, mountctl.ErrDirtyVolume) && *repairDirty {
		fmt.Printf("Volume is dirty; running ntfsfix on %s\n", vol.Device.Path)
		if repairErr := ctl.Repair(ctx, vol.Device.Path, vol.MountFSType); repairErr != nil {
			return repairErr
		}
		a.record(&journal.Record{Operation: journal.OpRepair,
			Identity: vol.Identity.Spec(), Detail: vol.Device.Path})
		err = ctl.Mount(ctx, mountPoint)
	}
	if err != nil {
		a.record(&journal.Record{Operation: journal.OpMount,
			Identity: vol.Identity.Spec(), MountPoint: mountPoint, Error: err.Error()})
		if errors.Is(err, mountctl.ErrDirtyVolume) {
			return fmt.Errorf("%w (re-run with -repair, or unplug the drive safely from Windows)", err)
		}
		return err
	}
	a.record(&journal.Record{Operation: journal.OpMount,
		Identity: vol.Identity.Spec(), MountPoint: mountPoint})
	fmt.Printf("Mounted %s at %s\n", vol.Device.Path, mountPoint)

	if *addSteam {
		if err := a.addSteamLibrary(ctx, mountPoint, vol.DisplayName()); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) addSteamLibrary(ctx context.Context, mountPoint, label string) error {
	lib := steam.NewLibrary(steam.VDFPath(a.cfg.SteamRoot), a.logger)

	if lib.IsRunning(ctx) {
		fmt.Println("Shutting down Steam to update the library list...")
		if err := lib.Shutdown(ctx); err != nil {
			return fmt.Errorf("steam shutdown: %w", err)
		}
	}
	if err := lib.AddFolder(mountPoint, label); err != nil {
		return err
	}
	a.record(&journal.Record{Operation: journal.OpSteamAdd, MountPoint: mountPoint, Detail: label})
	fmt.Printf("Registered %s as a Steam library. Restart Steam to use it.\n", mountPoint)
	return nil
}

func (a *app) cmdUnmount(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("unmount", flag.ContinueOnError)
	forget := flags.Bool("forget", false, "also remove the managed mount table entry")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("unmount needs a mount point, device path, or identity")
	}

	entry, err := a.resolveManagedEntry(ctx, flags.Arg(0))
	if err != nil {
		return err
	}

	ctl, err := a.controller()
	if err != nil {
		return err
	}
	if err := ctl.Unmount(ctx, entry.MountPoint); err != nil {
		a.record(&journal.Record{Operation: journal.OpUnmount,
			Identity: entry.Identity.Spec(), MountPoint: entry.MountPoint, Error: err.Error()})
		return err
	}
	a.record(&journal.Record{Operation: journal.OpUnmount,
		Identity: entry.Identity.Spec(), MountPoint: entry.MountPoint})
	fmt.Printf("Unmounted %s\n", entry.MountPoint)

	if *forget {
		mgr, err := a.manager()
		if err != nil {
			return err
		}
		if err := mgr.Apply(ctx, entry.Identity, nil); err != nil {
			return err
		}
		a.record(&journal.Record{Operation: journal.OpRemoveEntry,
			Identity: entry.Identity.Spec(), MountPoint: entry.MountPoint})
		fmt.Printf("Removed managed entry for %s\n", entry.Identity.Spec())
	}
	return nil
}

func (a *app) cmdRepair(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("repair", flag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("repair needs a device path or identity")
	}

	scanner := devices.NewScanner(a.logger)
	vol, err := resolveVolume(ctx, scanner, flags.Arg(0))
	if err != nil {
		return err
	}

	ctl, err := a.controller()
	if err != nil {
		return err
	}

	dirty, err := ctl.DetectDirty(ctx, vol.Device.Name)
	if err != nil {
		return err
	}
	if !dirty {
		fmt.Printf("No dirty-volume messages found for %s; running ntfsfix anyway.\n", vol.Device.Path)
	}
	if err := ctl.Repair(ctx, vol.Device.Path, vol.MountFSType); err != nil {
		a.record(&journal.Record{Operation: journal.OpRepair,
			Identity: vol.Identity.Spec(), Detail: vol.Device.Path, Error: err.Error()})
		return err
	}
	a.record(&journal.Record{Operation: journal.OpRepair,
		Identity: vol.Identity.Spec(), Detail: vol.Device.Path})
	fmt.Printf("Cleared dirty flag on %s\n", vol.Device.Path)
	return nil
}

func (a *app) cmdWatch(ctx context.Context) error {
	scanner := devices.NewScanner(a.logger)
	interval := time.Duration(a.cfg.WatchIntervalMinutes) * time.Minute

	w := watcher.New(scanner, interval, func(vol devices.Volume) {
		p := preset.Suggest(vol)
		mountPoint := a.cfg.MountBase + "/" + vol.SuggestedMountName()
		fmt.Printf("New drive: %s (%s, %s)\n", vol.Device.Path, vol.MountFSType, vol.Device.Size)
		fmt.Printf("  suggested: steamos-mount mount %s\n", vol.Device.Path)
		fmt.Printf("  would write: %s\n", p.PreviewLine(vol.Identity, mountPoint, a.cfg.MountUID, a.cfg.MountGID))
	}, a.logger)

	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	fmt.Printf("Watching for new drives every %s. Press Ctrl-C to stop.\n", interval)
	<-ctx.Done()
	return nil
}

func (a *app) cmdHistory(args []string) error {
	flags := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := flags.Int("n", 20, "number of records to show")
	identity := flags.String("identity", "", "only records for this identity, e.g. UUID=abcd-1234")
	if err := flags.Parse(args); err != nil {
		return err
	}

	j := a.journal()
	if j == nil {
		return errors.New("operation journal unavailable")
	}

	var records []*journal.Record
	var err error
	if *identity != "" {
		id, parseErr := fstab.ParseIdentitySpec(*identity)
		if parseErr != nil {
			return parseErr
		}
		records, err = j.ForIdentity(id.Spec())
	} else {
		records, err = j.Recent(*limit)
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No recorded operations.")
		return nil
	}

	for _, r := range records {
		line := fmt.Sprintf("%s  %-18s %s %s",
			r.Timestamp.Format(time.RFC3339), r.Operation, r.Identity, r.MountPoint)
		if r.Error != "" {
			line += "  ERROR: " + r.Error
		}
		fmt.Println(strings.TrimRight(line, " "))
	}

	if *identity == "" {
		if total, err := j.Count(); err == nil && total > len(records) {
			fmt.Printf("Showing %d of %d operations; raise -n to see more.\n", len(records), total)
		}
	}
	return nil
}

// resolveVolume turns a CLI target (/dev/sda1, UUID=..., PARTUUID=...) into
// a scanned volume.
func resolveVolume(ctx context.Context, scanner *devices.Scanner, target string) (*devices.Volume, error) {
	if strings.Contains(target, "=") {
		id, err := fstab.ParseIdentitySpec(target)
		if err != nil {
			return nil, err
		}
		vol, err := scanner.FindByIdentity(ctx, id)
		if err != nil {
			return nil, err
		}
		if vol == nil {
			return nil, fmt.Errorf("no attached volume with identity %s", id.Spec())
		}
		return vol, nil
	}

	volumes, err := scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	for i := range volumes {
		if volumes[i].Device.Path == target {
			return &volumes[i], nil
		}
	}
	return nil, fmt.Errorf("no mountable volume at %s (only NTFS and exFAT are supported)", target)
}

// resolveManagedEntry matches a CLI target against the managed entries: by
// mount point, identity spec, or attached device path.
func (a *app) resolveManagedEntry(ctx context.Context, target string) (*fstab.Entry, error) {
	doc, err := loadTable(a.cfg.FstabPath)
	if err != nil {
		return nil, err
	}

	if strings.Contains(target, "=") {
		id, err := fstab.ParseIdentitySpec(target)
		if err != nil {
			return nil, err
		}
		if entry, ok := doc.Lookup(id); ok {
			return &entry, nil
		}
		return nil, fmt.Errorf("no managed entry for %s", id.Spec())
	}

	if strings.HasPrefix(target, "/dev/") {
		scanner := devices.NewScanner(a.logger)
		vol, err := resolveVolume(ctx, scanner, target)
		if err != nil {
			return nil, err
		}
		if entry, ok := doc.Lookup(vol.Identity); ok {
			return &entry, nil
		}
		return nil, fmt.Errorf("%s is not managed", target)
	}

	for _, entry := range doc.Entries() {
		if entry.MountPoint == target {
			return &entry, nil
		}
	}
	return nil, fmt.Errorf("no managed entry with mount point %s", target)
}

func loadTable(path string) (*fstab.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := fstab.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}
