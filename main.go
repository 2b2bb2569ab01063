// Package main is the hypnotify command line player. It wires the
// content store, a speech engine, and optional background music into a
// session orchestrator and plays guided sessions from stored statement
// sets or markdown scripts.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"golang.org/x/text/language"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/internal/seed"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/audio"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/content"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/session"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts/engines/edge"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts/engines/mock"
)

const appName = "hypnotify"

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string

	engineName   string
	setName      string
	stereoMode   bool
	playMusic    bool
	musicFile    string
	languageFlag string
	voiceFlag    string
	rateFlag     float64
	pitchFlag    float64
	volumeFlag   float64
	pauseFlag    time.Duration

	rootCmd = &cobra.Command{
		Use:   "hypnotify [script.md]",
		Short: "Guided session player for the terminal",
		Long: paragraph(fmt.Sprintf(
			"\nPlay a %s through your speakers: statements from the library or a markdown script, spoken one at a time with calm pacing, optional background music, and in stereo mode a separate voice per ear.",
			keyword("guided session"),
		)),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.MaximumNArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
		RunE: execute,
	}
)

// library is the persistent side of the content layer: statements plus
// settings.
type library interface {
	content.Store
	content.SettingsStore
}

func validateOptions(_ *cobra.Command) error {
	engineName = viper.GetString("engine")
	languageFlag = viper.GetString("language")

	switch engineName {
	case "edge", "mock":
	default:
		return fmt.Errorf("unknown engine %q: use edge or mock", engineName)
	}
	if languageFlag != "" {
		tag, err := language.Parse(languageFlag)
		if err != nil {
			return fmt.Errorf("invalid language %q: %w", languageFlag, err)
		}
		languageFlag = tag.String()
	}
	return nil
}

func stdinIsPipe() (bool, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false, fmt.Errorf("unable to stat stdin: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice == 0 || stat.Size() > 0 {
		return true, nil
	}
	return false, nil
}

func execute(cmd *cobra.Command, args []string) error {
	// piped stdin is a script source, same as passing "-"
	if len(args) == 0 && setName == "" {
		if yes, err := stdinIsPipe(); err != nil {
			return err
		} else if yes {
			args = []string{"-"}
		} else {
			return cmd.Help()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scope := gap.NewScope(gap.User, appName)
	lib, closeLib := openStore(scope)
	defer closeLib()

	seeded, err := seed.Ensure(ctx, lib, lib)
	if err != nil {
		return err
	}
	settings := loadSettings(ctx, lib)

	playStore, req, err := buildRequest(ctx, cmd, args, lib, seeded, settings)
	if err != nil {
		return err
	}
	return runSession(ctx, playStore, lib, settings, seeded, req)
}

// buildRequest composes what to play. A markdown script is staged in an
// in-memory store so transient statements never touch the library;
// --stereo on linear material splits it between the ears with the
// seeded keyword filter.
func buildRequest(ctx context.Context, cmd *cobra.Command, args []string, lib library, seeded *seed.Data, settings content.Settings) (content.Store, session.Request, error) {
	req := session.Request{
		Language: languageFlag,
		Override: sessionOverrides(cmd),
	}
	if pauseFlag > 0 {
		req.PauseBetween = pauseFlag
	} else if d := viper.GetDuration("pause_between"); d > 0 {
		req.PauseBetween = d
	}
	if cmd.Flags().Changed("music") {
		req.Music = &playMusic
	}
	if musicFile != "" {
		on := true
		req.Music = &on
	}

	playStore := content.Store(lib)
	var statements []content.Statement

	switch {
	case len(args) == 1:
		script, err := readScript(args[0])
		if err != nil {
			return nil, session.Request{}, err
		}
		mem := content.NewMemoryStore()
		if err := mem.SaveStatements(ctx, script.All()); err != nil {
			return nil, session.Request{}, err
		}
		playStore = mem
		if script.Stereo() {
			req.LeftIDs = content.IDs(script.Left)
			req.RightIDs = content.IDs(script.Right)
			return playStore, req, nil
		}
		statements = script.Statements
	case setName != "":
		var err error
		statements, err = lib.StatementsBySet(ctx, setName)
		if err != nil {
			return nil, session.Request{}, err
		}
		if len(statements) == 0 {
			return nil, session.Request{}, fmt.Errorf("no statements in set %q, see 'hypnotify sets'", setName)
		}
	}

	if stereoMode {
		lang := req.Language
		if lang == "" {
			lang = settings.Playback.Language
		}
		req.LeftIDs, req.RightIDs = seeded.Stereo.Split(statements, lang)
		return playStore, req, nil
	}
	req.IDs = content.IDs(statements)
	return playStore, req, nil
}

func readScript(arg string) (*content.Script, error) {
	if arg == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("unable to read stdin: %w", err)
		}
		return content.ParseScript(b, languageFlag)
	}
	return content.ReadScript(expandPath(arg), languageFlag)
}

func runSession(ctx context.Context, playStore content.Store, lib library, settings content.Settings, seeded *seed.Data, req session.Request) error {
	device := newDeviceOpener()
	cache, closeCache := buildCache(gap.NewScope(gap.User, appName))
	defer closeCache()

	prefs := settings.Voices
	if len(prefs) == 0 {
		prefs = seeded.Settings.Voices
	}

	orc, err := session.New(session.Config{
		Store:    playStore,
		Settings: lib,
		Factory:  backendFactory(engineName, device, cache, prefs),
		Music:    buildMusic(settings, device),
		Queue: tts.QueueConfig{
			MaxRetryAttempts: viper.GetInt("retries"),
			RetryDelay:       viper.GetDuration("retry_delay"),
		},
		Offsets: session.OffsetRange{
			Min: viper.GetDuration("stereo.offset_min"),
			Max: viper.GetDuration("stereo.offset_max"),
		},
	})
	if err != nil {
		return err
	}
	defer orc.Close()

	p := newPrinter()
	orc.OnState(p.state)
	orc.OnError(p.failure)
	defer orc.OffState(p.state)
	defer orc.OffError(p.failure)

	if _, err := orc.Start(ctx, req); err != nil {
		return err
	}
	waited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			log.Info("interrupt received, stopping session")
			orc.StopWithFade(time.Second)
		case <-waited:
		}
	}()
	orc.Wait()
	close(waited)

	final := orc.Snapshot()
	p.done(final)
	if final.Status == tts.StatusError && final.LastError != nil {
		return final.LastError
	}
	return nil
}

// backendFactory builds one engine per session channel so stereo sides
// never share playback state. The synthesis cache is shared.
func backendFactory(name string, device audio.OutputOpener, cache tts.Cache, prefs tts.Preferences) session.BackendFactory {
	return func(string) (session.Engine, error) {
		switch name {
		case "mock":
			return mock.New(), nil
		case "edge":
			return edge.New(device, cache, prefs), nil
		default:
			return nil, tts.NewError(tts.CodeEngineNotAvailable, fmt.Sprintf("unknown engine %q", name))
		}
	}
}

// newDeviceOpener shares one audio device across the speech channels
// and the music layer; the underlying context allows a single instance
// per process.
func newDeviceOpener() audio.OutputOpener {
	open := sync.OnceValues(func() (*audio.Device, error) {
		return audio.NewDevice(audio.DefaultSampleRate, audio.DefaultChannels)
	})
	return func() (audio.Output, error) {
		d, err := open()
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func openStore(scope *gap.Scope) (library, func()) {
	dbPath, err := scope.DataPath("content.db")
	if err == nil {
		err = os.MkdirAll(filepath.Dir(dbPath), 0o755)
	}
	if err == nil {
		var s *content.SQLiteStore
		if s, err = content.OpenSQLite(dbPath); err == nil {
			return s, func() { _ = s.Close() }
		}
	}
	log.Warn("content database unavailable, using in-memory store", "err", err)
	m := content.NewMemoryStore()
	return m, func() { _ = m.Close() }
}

func loadSettings(ctx context.Context, lib library) content.Settings {
	settings, err := lib.Settings(ctx)
	if err != nil {
		log.Warn("stored settings unavailable, using defaults", "err", err)
		return content.DefaultSettings()
	}
	return settings
}

// buildCache layers memory over disk, plus redis when configured.
func buildCache(scope *gap.Scope) (tts.Cache, func()) {
	levels := []tts.Cache{tts.NewMemoryCache(tts.DefaultMemoryCacheSize, tts.DefaultCacheTTL)}
	if viper.GetBool("cache.enabled") {
		dir, err := cacheDir(scope)
		if err == nil {
			var dc tts.Cache
			if dc, err = tts.NewDiskCache(dir, tts.DefaultDiskCacheSize, tts.DefaultCacheTTL); err == nil {
				levels = append(levels, dc)
			}
		}
		if err != nil {
			log.Warn("disk cache unavailable", "err", err)
		}
	}
	if addr := viper.GetString("cache.redis"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		levels = append(levels, tts.NewRedisCache(client, tts.DefaultCacheTTL))
	}
	tc := tts.NewTieredCache(levels...)
	return tc, func() { _ = tc.Close() }
}

func cacheDir(scope *gap.Scope) (string, error) {
	dir, err := scope.CachePath("synth")
	if err != nil {
		return "", err
	}
	return dir, os.MkdirAll(dir, 0o755)
}

// buildMusic assembles the background music controller. The track path
// layers as stored settings, then config file, then environment, then
// the --music-file flag; without one, music is disabled entirely.
func buildMusic(settings content.Settings, device audio.OutputOpener) *audio.Music {
	cfg, err := env.ParseAs[audio.MusicConfig]()
	if err != nil {
		log.Warn("ignoring bad music environment", "err", err)
		cfg = audio.MusicConfig{}
	}
	if cfg.Path == "" {
		cfg.Path = viper.GetString("music.file")
	}
	if cfg.Path == "" {
		cfg.Path = settings.Music.Path
	}
	if musicFile != "" {
		cfg.Path = musicFile
	}
	cfg.Path = expandPath(cfg.Path)
	if cfg.Path == "" {
		return nil
	}
	if cfg.Volume <= 0 {
		cfg.Volume = settings.Music.Volume
	}
	// music.loop already layers env over file over default via viper
	cfg.Loop = viper.GetBool("music.loop")
	return audio.NewMusic(device, audio.FileSource(cfg.Path, cfg.Loop), cfg)
}

// sessionOverrides lifts configured playback knobs into a session
// override layer, flags winning over the config file and environment.
// Only set values are carried so stored settings keep their say.
func sessionOverrides(cmd *cobra.Command) *tts.Overrides {
	flags := cmd.Flags()
	ov := &tts.Overrides{}
	if flags.Changed("voice") {
		ov.VoiceID = &voiceFlag
	} else if v := viper.GetString("voice"); v != "" {
		ov.VoiceID = &v
	}
	if languageFlag != "" {
		// keep text selection and voice resolution on the same tag
		ov.Language = &languageFlag
	}
	num := func(name string, flagVal *float64) *float64 {
		if flags.Changed(name) {
			return flagVal
		}
		if v := viper.GetFloat64(name); v > 0 {
			return &v
		}
		return nil
	}
	ov.Rate = num("rate", &rateFlag)
	ov.Pitch = num("pitch", &pitchFlag)
	ov.Volume = num("volume", &volumeFlag)
	if ov.IsZero() {
		return nil
	}
	return ov
}

// expandPath resolves a leading ~ in user-supplied paths.
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}
	return expanded
}

// printer renders session progress. Output is skipped when stdout is
// not a terminal so piped runs stay clean.
type printer struct {
	tty bool

	mu         sync.Mutex
	lastStatus tts.Status
	lastIndex  int
}

func newPrinter() *printer {
	return &printer{tty: term.IsTerminal(int(os.Stdout.Fd()))}
}

func (p *printer) state(st session.State) {
	if !p.tty {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.Status == p.lastStatus && st.Index == p.lastIndex {
		return
	}
	p.lastStatus, p.lastIndex = st.Status, st.Index
	switch st.Status {
	case tts.StatusPlaying:
		note := ""
		if st.Mode == session.ModeStereo {
			note = subtle(fmt.Sprintf("  L %d / R %d", st.LeftIndex, st.RightIndex))
		}
		fmt.Printf("\r%s %d/%d%s   ", keyword("▸ playing"), min(st.Index+1, st.Total), st.Total, note)
	case tts.StatusPaused:
		fmt.Printf("\r%s              ", subtle("⏸ paused"))
	}
}

func (p *printer) failure(perr *tts.Error) {
	if !p.tty {
		return
	}
	fmt.Printf("\r%s %s\n", errorStyle.Render("✗"), perr.Message)
}

func (p *printer) done(final session.State) {
	if !p.tty {
		return
	}
	elapsed := final.Elapsed.Round(time.Second)
	switch final.Status {
	case tts.StatusCompleted:
		fmt.Printf("\r%s %d/%d in %s\n", keyword("✓ session complete"), final.Index, final.Total, elapsed)
	case tts.StatusStopped:
		fmt.Printf("\r%s after %s\n", subtle("■ stopped"), elapsed)
	case tts.StatusError:
		msg := "session failed"
		if final.LastError != nil {
			msg = final.LastError.Message
		}
		fmt.Printf("\r%s %s\n", errorStyle.Render("✗"), msg)
	}
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	_ = godotenv.Load()
	tryLoadConfigFromDefaultPlaces()

	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().StringVarP(&engineName, "engine", "e", "", "speech engine (edge or mock)")
	rootCmd.PersistentFlags().StringVarP(&languageFlag, "language", "l", "", "session language (BCP-47 tag)")
	rootCmd.Flags().StringVar(&setName, "set", "", "play a stored statement set")
	rootCmd.Flags().BoolVar(&stereoMode, "stereo", false, "split statements between the ears")
	rootCmd.Flags().BoolVarP(&playMusic, "music", "m", false, "play background music")
	rootCmd.Flags().StringVar(&musicFile, "music-file", "", "background music MP3 (implies --music)")
	rootCmd.Flags().StringVar(&voiceFlag, "voice", "", "voice ID for every statement")
	rootCmd.Flags().Float64Var(&rateFlag, "rate", 0, "speech rate (0.5 to 2.0)")
	rootCmd.Flags().Float64Var(&pitchFlag, "pitch", 0, "speech pitch (0.5 to 2.0)")
	rootCmd.Flags().Float64Var(&volumeFlag, "volume", 0, "speech volume (0.0 to 1.0)")
	rootCmd.Flags().DurationVar(&pauseFlag, "pause", 0, "silence between statements")

	// Config bindings
	_ = viper.BindPFlag("engine", rootCmd.PersistentFlags().Lookup("engine"))
	_ = viper.BindPFlag("language", rootCmd.PersistentFlags().Lookup("language"))
	_ = viper.BindPFlag("music.file", rootCmd.Flags().Lookup("music-file"))

	viper.SetDefault("engine", "edge")
	viper.SetDefault("language", "")
	viper.SetDefault("retries", 2)
	viper.SetDefault("retry_delay", 250*time.Millisecond)
	viper.SetDefault("music.loop", true)
	viper.SetDefault("music.duck", true)
	viper.SetDefault("stereo.offset_min", session.DefaultOffsetRange.Min)
	viper.SetDefault("stereo.offset_max", session.DefaultOffsetRange.Max)
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.redis", "")

	rootCmd.AddCommand(configCmd, setsCmd, scriptsCmd, voicesCmd, cacheCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, appName)
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, appName)}, dirs...)
	}
	if c := os.Getenv("HYPNOTIFY_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}
	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName(appName)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix(appName)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		// Sessions run long enough that a mid-run edit is worth noting.
		viper.OnConfigChange(func(e fsnotify.Event) {
			log.Info("configuration changed, applies on next run", "path", e.Name)
		})
		viper.WatchConfig()
		return
	}

	configFile = filepath.Join(dirs[0], appName+".yml")
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
