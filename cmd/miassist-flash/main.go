// miassist-flash impersonates the vendor "Mi Assistant" desktop client
// well enough to flash a recovery ROM over USB without a host adb
// daemon: read device identity, validate a ROM against the vendor
// server, and sideload it.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atotto/clipboard"

	"miassist-flash/internal/adbsession"
	"miassist-flash/internal/config"
	"miassist-flash/internal/envelope"
	"miassist-flash/internal/orchestrator"
	"miassist-flash/internal/progress"
	"miassist-flash/internal/sideload"
	"miassist-flash/internal/vendorcmd"
	"miassist-flash/internal/xlog"
)

const (
	exitOK = iota
	exitGeneric
	exitUserAborted
	exitDeviceNotFound
	exitValidationRejected
	exitSideloadAborted
)

type globalFlags struct {
	profile     string
	codename    string
	deviceIndex int
	chunkSize   int
	serverURL   string
	allowHTTP   bool
	verbose     int
	debugUSB    bool
	dumpJSON    bool
	configPath  string
	copyOutput  bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitGeneric
	}

	cmd := args[0]
	rest := args[1:]

	gf := globalFlags{chunkSize: sideload.DefaultChunkSize, serverURL: envelope.DefaultServerURL}
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	bindGlobalFlags(fs, &gf)

	var (
		romPath   string
		token     string
		wipe      bool
		yes       bool
	)
	switch cmd {
	case "flash":
		if len(rest) == 0 {
			fmt.Fprintln(os.Stderr, "usage: miassist-flash flash <path> [flags]")
			return exitGeneric
		}
		romPath = rest[0]
		rest = rest[1:]
		fs.StringVar(&token, "token", "", "skip validation, use this sideload token")
		fs.BoolVar(&wipe, "wipe", false, "force a data wipe during sideload")
		fs.BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	case "flash-from-latest":
		fs.BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	case "read-info", "list-allowed-roms", "format-data", "reboot":
		// no subcommand-specific flags
	default:
		printUsage()
		return exitGeneric
	}

	if err := fs.Parse(rest); err != nil {
		return exitGeneric
	}

	logger := xlog.New(xlog.ParseLevel(gf.verbose), gf.debugUSB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warnf("interrupt received, aborting")
		cancel()
	}()

	settings, err := config.Load(gf.configPath)
	if err != nil {
		logger.Warnf("config: %v", err)
		return exitGeneric
	}
	applyFlagOverrides(&settings, gf)

	opts := orchestrator.Options{
		DeviceIndex:       settings.DeviceIndex,
		ChunkSize:         settings.ChunkSize,
		ServerURL:         settings.ServerURL,
		AllowHTTP:         settings.AllowHTTP,
		Profile:           settings.ProfileRegion,
		Codename:          settings.Codename,
		RetryWipeOnReject: settings.RetryWipeOnReject,
		Logger:            logger,
	}

	sess, carrier, err := orchestrator.Dial(ctx, opts)
	if err != nil {
		logger.Warnf("%v", err)
		return exitDeviceNotFound
	}
	defer sess.Teardown(ctx)
	defer carrier.Close()

	cipher, err := envelope.NewCipher(settings.AESKey, settings.AESIV)
	if err != nil {
		logger.Warnf("%v", err)
		return exitGeneric
	}
	client, err := envelope.NewClient(cipher, opts.ServerURL, opts.AllowHTTP)
	if err != nil {
		logger.Warnf("%v", err)
		return exitGeneric
	}

	switch cmd {
	case "read-info":
		return cmdReadInfo(ctx, sess, gf.dumpJSON, gf.copyOutput)
	case "list-allowed-roms":
		return cmdListAllowedROMs(ctx, sess, client, opts, gf.dumpJSON, gf.copyOutput)
	case "flash":
		if !yes && !confirm(fmt.Sprintf("Flash %s?", romPath)) {
			return exitUserAborted
		}
		return cmdFlash(ctx, sess, client, opts, orchestrator.FlashParams{ROMPath: romPath, Token: token, Wipe: wipe, Reboot: true}, logger)
	case "flash-from-latest":
		if !yes && !confirm("Download and flash the latest ROM?") {
			return exitUserAborted
		}
		return cmdFlashFromLatest(ctx, sess, client, opts, logger)
	case "format-data":
		if err := vendorcmd.FormatData(ctx, sess); err != nil {
			logger.Warnf("%v", err)
			return exitGeneric
		}
		return exitOK
	case "reboot":
		if err := vendorcmd.Reboot(ctx, sess); err != nil {
			logger.Warnf("%v", err)
			return exitGeneric
		}
		return exitOK
	}
	return exitGeneric
}

func bindGlobalFlags(fs *flag.FlagSet, gf *globalFlags) {
	fs.StringVar(&gf.profile, "profile", "", "region profile override")
	fs.StringVar(&gf.codename, "codename", "", "device codename override")
	fs.IntVar(&gf.deviceIndex, "device-index", 0, "USB device index when multiple are attached")
	fs.IntVar(&gf.chunkSize, "chunk-size", sideload.DefaultChunkSize, "sideload chunk size in bytes")
	fs.StringVar(&gf.serverURL, "server-url", envelope.DefaultServerURL, "validation server URL")
	fs.BoolVar(&gf.allowHTTP, "http", false, "allow a plaintext http:// server url")
	bumpVerbose := func(string) error { gf.verbose++; return nil }
	fs.BoolFunc("v", "increase verbosity (repeatable)", bumpVerbose)
	fs.BoolFunc("verbose", "increase verbosity (repeatable)", bumpVerbose)
	fs.BoolVar(&gf.debugUSB, "debug-usb", false, "hex-dump raw USB packets")
	fs.BoolVar(&gf.dumpJSON, "dump-json", false, "print machine-readable JSON output")
	fs.StringVar(&gf.configPath, "config", "", "path to the .env-style config file")
	fs.BoolVar(&gf.copyOutput, "copy", false, "copy the printed output to the clipboard")
}

func applyFlagOverrides(s *config.Settings, gf globalFlags) {
	if gf.profile != "" {
		s.ProfileRegion = gf.profile
	}
	if gf.codename != "" {
		s.Codename = gf.codename
	}
	if gf.deviceIndex != 0 {
		s.DeviceIndex = gf.deviceIndex
	}
	if gf.chunkSize != 0 {
		s.ChunkSize = gf.chunkSize
	}
	if gf.serverURL != "" && gf.serverURL != envelope.DefaultServerURL {
		s.ServerURL = gf.serverURL
	}
	if gf.allowHTTP {
		s.AllowHTTP = true
	}
	s.Verbosity = gf.verbose
	s.DebugUSB = gf.debugUSB
}

func cmdReadInfo(ctx context.Context, sess *adbsession.Session, dumpJSON, copyOutput bool) int {
	id, err := orchestrator.ReadInfo(ctx, sess)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	var out string
	if dumpJSON {
		out = fmt.Sprintf("{\"codename\":%q,\"serial\":%q,\"version\":%q,\"codebase\":%q,\"branch\":%q,\"language\":%q,\"region\":%q,\"romzone\":%q}",
			id.DeviceCodename, id.Serial, id.Version, id.Codebase, id.Branch, id.Language, id.Region, id.ROMZone)
	} else {
		out = fmt.Sprintf("codename: %s\nserial: %s\nversion: %s\ncodebase: %s\nbranch: %s\nlanguage: %s\nregion: %s\nromzone: %s",
			id.DeviceCodename, id.Serial, id.Version, id.Codebase, id.Branch, id.Language, id.Region, id.ROMZone)
	}
	fmt.Println(out)
	copyToClipboard(copyOutput, out)
	return exitOK
}

func cmdListAllowedROMs(ctx context.Context, sess *adbsession.Session, client *envelope.Client, opts orchestrator.Options, dumpJSON, copyOutput bool) int {
	tok, err := orchestrator.ListAllowedROMs(ctx, sess, client, opts)
	var rejected *envelope.ValidationRejectedError
	if err != nil {
		if !asRejected(err, &rejected) {
			fmt.Fprintln(os.Stderr, err)
			return exitGeneric
		}
		out := fmt.Sprintf("{\"rejected\":%q}", rejected.Kind)
		fmt.Println(out)
		copyToClipboard(copyOutput, out)
		return exitOK
	}
	out := fmt.Sprintf("{\"token\":%q,\"rom_url\":%q,\"expected_md5\":%q,\"wipe_required\":%v}", tok.Value, tok.ROMURL, tok.ExpectedMD5, tok.WipeRequired)
	fmt.Println(out)
	copyToClipboard(copyOutput, out)
	return exitOK
}

// copyToClipboard mirrors the teacher's own clipboard.WriteAll usage in
// its chat UI's copy-to-clipboard action, best-effort: a clipboard
// failure (e.g. headless environment) is not fatal to the command.
func copyToClipboard(enabled bool, text string) {
	if !enabled {
		return
	}
	if err := clipboard.WriteAll(text); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not copy to clipboard: %v\n", err)
	}
}

func cmdFlash(ctx context.Context, sess *adbsession.Session, client *envelope.Client, opts orchestrator.Options, params orchestrator.FlashParams, logger *xlog.Logger) int {
	progCh := make(chan sideload.Progress, 16)
	go runProgressDisplay(progCh)

	result, err := orchestrator.Flash(ctx, sess, client, opts, params, progCh)
	close(progCh)
	if err != nil {
		return mapFlashError(err, logger)
	}
	logger.Infof("flashed %d bytes (wipe=%v, rebooted=%v)", result.BytesSent, result.WipeUsed, result.Rebooted)
	return exitOK
}

func cmdFlashFromLatest(ctx context.Context, sess *adbsession.Session, client *envelope.Client, opts orchestrator.Options, logger *xlog.Logger) int {
	progCh := make(chan sideload.Progress, 16)
	go runProgressDisplay(progCh)

	result, err := orchestrator.FlashFromLatest(ctx, sess, client, nil, opts, orchestrator.FlashParams{Reboot: true}, progCh)
	close(progCh)
	if err != nil {
		return mapFlashError(err, logger)
	}
	logger.Infof("flashed %d bytes (wipe=%v, rebooted=%v)", result.BytesSent, result.WipeUsed, result.Rebooted)
	return exitOK
}

func runProgressDisplay(ch <-chan sideload.Progress) {
	if progress.IsInteractive() {
		progress.Run(ch)
		return
	}
	progress.PlainTextFallback(ch)
}

func mapFlashError(err error, logger *xlog.Logger) int {
	var rejected *envelope.ValidationRejectedError
	if asRejected(err, &rejected) {
		logger.Warnf("validation rejected: %s", rejected.Kind)
		return exitValidationRejected
	}
	if isSideloadAborted(err) {
		logger.Warnf("%v", err)
		return exitSideloadAborted
	}
	logger.Warnf("%v", err)
	return exitGeneric
}

func asRejected(err error, target **envelope.ValidationRejectedError) bool {
	for err != nil {
		if v, ok := err.(*envelope.ValidationRejectedError); ok {
			*target = v
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func isSideloadAborted(err error) bool {
	return strings.Contains(err.Error(), "sideload:")
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: miassist-flash <command> [flags]

commands:
  read-info                Print device identity
  list-allowed-roms        Call validation probe, print JSON
  flash <path>             Validate (if no token) and sideload
  flash-from-latest        Download URL from server, then flash
  format-data              Issue vendor format-data
  reboot                   Issue vendor reboot`)
}
