package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/log"
	humanize "github.com/dustin/go-humanize"
	runewidth "github.com/mattn/go-runewidth"
	"github.com/muesli/gitcha"
	gap "github.com/muesli/go-app-paths"
	mcobra "github.com/muesli/mango-cobra"
	"github.com/muesli/roff"
	"github.com/redis/go-redis/v9"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/internal/seed"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/content"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts/engines/edge"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts/engines/mock"
)

var scriptPatterns = []string{"*.md", "*.mdown", "*.markdown"}

var setsCmd = &cobra.Command{
	Use:   "sets",
	Short: "List statement sets in the library",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		lib, closeLib := openStore(gap.NewScope(gap.User, appName))
		defer closeLib()
		if _, err := seed.Ensure(ctx, lib, lib); err != nil {
			return err
		}
		sets, err := lib.Sets(ctx)
		if err != nil {
			return err
		}
		for _, set := range sets {
			statements, err := lib.StatementsBySet(ctx, set)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n",
				keyword(runewidth.FillRight(set, 20)),
				subtle(fmt.Sprintf("%d statements", len(statements))))
		}
		return nil
	},
}

var scriptsCmd = &cobra.Command{
	Use:   "scripts [dir|script.md]",
	Short: "List markdown session scripts, or preview one",
	Long: paragraph("\nWithout arguments, lists markdown files under the current directory. " +
		"Given a directory it lists that instead, and given a file it renders the script " +
		"and reports how it will play."),
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		target := "."
		if len(args) == 1 {
			target = expandPath(args[0])
		}
		info, err := os.Stat(target)
		if err != nil {
			return fmt.Errorf("unable to stat %s: %w", target, err)
		}
		if info.IsDir() {
			return listScripts(target)
		}
		return previewScript(target)
	},
}

func listScripts(dir string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	ch, err := gitcha.FindFilesExcept(dir, scriptPatterns, nil)
	if err != nil {
		return fmt.Errorf("unable to search %s: %w", dir, err)
	}
	found := 0
	for res := range ch {
		rel, rerr := filepath.Rel(dir, res.Path)
		if rerr != nil {
			rel = res.Path
		}
		fmt.Printf("%s %s\n",
			runewidth.FillRight(rel, 42),
			subtle(humanize.Time(res.Info.ModTime())))
		found++
	}
	if found == 0 {
		fmt.Println(subtle("No markdown scripts found."))
	}
	return nil
}

func previewScript(path string) error {
	script, err := content.ReadScript(path, languageFlag)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("unable to open file: %w", err)
	}

	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = min(w, 100)
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return fmt.Errorf("unable to create renderer: %w", err)
	}
	out, err := r.Render(string(raw))
	if err != nil {
		return fmt.Errorf("unable to render script: %w", err)
	}
	fmt.Print(out)

	mode := "linear"
	if script.Stereo() {
		mode = fmt.Sprintf("stereo, %d left / %d right", len(script.Left), len(script.Right))
	}
	fmt.Println(subtle(fmt.Sprintf("%d statements, %s", len(script.All()), mode)))
	return nil
}

var copyVoice bool

var voicesCmd = &cobra.Command{
	Use:   "voices [query]",
	Short: "List the voices the selected engine offers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var backend tts.Backend
		switch engineName {
		case "mock":
			backend = mock.New()
		default:
			backend = edge.New(newDeviceOpener(), nil, nil)
		}
		voices, err := backend.Voices(languageFlag)
		if err != nil {
			return err
		}
		if len(args) == 1 && args[0] != "" {
			haystack := make([]string, len(voices))
			for i, v := range voices {
				haystack[i] = v.ID + " " + v.Name + " " + v.Language
			}
			matches := fuzzy.Find(args[0], haystack)
			filtered := make([]tts.Voice, 0, len(matches))
			for _, m := range matches {
				filtered = append(filtered, voices[m.Index])
			}
			voices = filtered
		}
		if len(voices) == 0 {
			return fmt.Errorf("no voices match")
		}

		for _, v := range voices {
			fmt.Printf("%s %s %s %s\n",
				keyword(runewidth.FillRight(v.ID, 26)),
				runewidth.FillRight(v.Name, 12),
				runewidth.FillRight(v.Language, 8),
				subtle(v.Gender))
		}
		if copyVoice {
			if err := clipboard.WriteAll(voices[0].ID); err != nil {
				return fmt.Errorf("unable to copy to clipboard: %w", err)
			}
			fmt.Println(subtle("Copied " + voices[0].ID + " to clipboard."))
		}
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the synthesis cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show synthesis cache usage",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		dir, err := cacheDir(gap.NewScope(gap.User, appName))
		if err != nil {
			return err
		}
		dc, err := tts.NewDiskCache(dir, tts.DefaultDiskCacheSize, tts.DefaultCacheTTL)
		if err != nil {
			return err
		}
		defer dc.Close()

		stats := dc.Stats()
		fmt.Printf("%s %s\n", runewidth.FillRight("location", 10), subtle(dir))
		fmt.Printf("%s %d\n", runewidth.FillRight("entries", 10), stats.Entries)
		fmt.Printf("%s %s\n", runewidth.FillRight("size", 10), humanize.IBytes(uint64(stats.Bytes)))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete cached synthesis audio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir, err := cacheDir(gap.NewScope(gap.User, appName))
		if err != nil {
			return err
		}
		dc, err := tts.NewDiskCache(dir, tts.DefaultDiskCacheSize, tts.DefaultCacheTTL)
		if err != nil {
			return err
		}
		defer dc.Close()

		before := dc.Stats()
		if err := dc.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Cleared %d entries (%s).\n", before.Entries, humanize.IBytes(uint64(before.Bytes)))

		if addr := viper.GetString("cache.redis"); addr != "" {
			rc := tts.NewRedisCache(redis.NewClient(&redis.Options{Addr: addr}), tts.DefaultCacheTTL)
			if err := rc.Clear(cmd.Context()); err != nil {
				log.Warn("could not clear redis cache", "err", err)
			}
			_ = rc.Close()
		}
		return nil
	},
}

var manCmd = &cobra.Command{
	Use:    "man",
	Short:  "Generate man page",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		manPage, err := mcobra.NewManPage(1, rootCmd)
		if err != nil {
			return fmt.Errorf("unable to generate man page: %w", err)
		}
		manPage = manPage.WithSection("Copyright", "© 2026 The hypnotify authors.")
		fmt.Println(manPage.Build(roff.NewDocument()))
		return nil
	},
}

func init() {
	voicesCmd.Flags().BoolVar(&copyVoice, "copy", false, "copy the first matching voice ID to the clipboard")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
}
