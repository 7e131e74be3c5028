package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"sitemirror/downloader"
	"sitemirror/exchange"
	"sitemirror/mirror"
	"sitemirror/processor"
	"sitemirror/renderer"
	"sitemirror/site"
)

// config is the resolved configuration of one command invocation.
type config struct {
	Site        string
	OutputDir   string
	Concurrency int
	PageTimeout time.Duration

	AssetTimeout time.Duration
	MaxAssetSize int64
	Retries      int
	AssetRPS     float64
	UserAgent    string

	AllowHosts    []string
	APIHosts      []string
	APIPatterns   []string
	TrackerHosts  []string
	PopupPatterns []string

	Screenshots      bool
	ChallengeMarkers []string
	Headless         bool
	ChromeBin        string
	RemoteURL        string
	ChallengeWait    time.Duration
	Settle           time.Duration

	RepairWorkers int
	Detect        processor.Thresholds
}

func setDefaults(v *viper.Viper) {
	th := processor.DefaultThresholds()

	v.SetDefault("site", "")
	v.SetDefault("output_dir", "./mirror")
	v.SetDefault("concurrency", mirror.DefaultConcurrency)
	v.SetDefault("page_timeout", mirror.DefaultPageTimeout)
	v.SetDefault("asset_timeout", downloader.DefaultTimeout)
	v.SetDefault("max_asset_size", downloader.DefaultMaxFileSize)
	v.SetDefault("retries", downloader.DefaultRetries)
	v.SetDefault("asset_rps", 0)
	v.SetDefault("user_agent", downloader.DefaultUserAgent)
	v.SetDefault("allow_hosts", site.DefaultAllowHosts)
	v.SetDefault("api_hosts", []string{})
	v.SetDefault("api_patterns", exchange.DefaultPathPatterns)
	v.SetDefault("tracker_hosts", processor.DefaultTrackerHosts)
	v.SetDefault("popup_patterns", processor.DefaultPopupPatterns)
	v.SetDefault("screenshots", false)
	v.SetDefault("challenge_markers", renderer.DefaultChallengeMarkers)
	v.SetDefault("headless", true)
	v.SetDefault("chrome_bin", "")
	v.SetDefault("remote_url", "")
	v.SetDefault("challenge_wait", 15*time.Second)
	v.SetDefault("settle", 2*time.Second)
	v.SetDefault("repair_workers", 0)
	v.SetDefault("detect.min_lines", th.MinLines)
	v.SetDefault("detect.min_bytes", th.MinBytes)
	v.SetDefault("detect.min_body_chars", th.MinBodyChars)
	v.SetDefault("detect.markers", th.Markers)
	v.SetDefault("log_format", "text")
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mirror")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("SITEMIRROR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func loadConfig(v *viper.Viper) config {
	return config{
		Site:             v.GetString("site"),
		OutputDir:        v.GetString("output_dir"),
		Concurrency:      v.GetInt("concurrency"),
		PageTimeout:      v.GetDuration("page_timeout"),
		AssetTimeout:     v.GetDuration("asset_timeout"),
		MaxAssetSize:     v.GetInt64("max_asset_size"),
		Retries:          v.GetInt("retries"),
		AssetRPS:         v.GetFloat64("asset_rps"),
		UserAgent:        v.GetString("user_agent"),
		AllowHosts:       v.GetStringSlice("allow_hosts"),
		APIHosts:         v.GetStringSlice("api_hosts"),
		APIPatterns:      v.GetStringSlice("api_patterns"),
		TrackerHosts:     v.GetStringSlice("tracker_hosts"),
		PopupPatterns:    v.GetStringSlice("popup_patterns"),
		Screenshots:      v.GetBool("screenshots"),
		ChallengeMarkers: v.GetStringSlice("challenge_markers"),
		Headless:         v.GetBool("headless"),
		ChromeBin:        v.GetString("chrome_bin"),
		RemoteURL:        v.GetString("remote_url"),
		ChallengeWait:    v.GetDuration("challenge_wait"),
		Settle:           v.GetDuration("settle"),
		RepairWorkers:    v.GetInt("repair_workers"),
		Detect: processor.Thresholds{
			MinLines:     v.GetInt("detect.min_lines"),
			MinBytes:     v.GetInt("detect.min_bytes"),
			MinBodyChars: v.GetInt("detect.min_body_chars"),
			Markers:      v.GetStringSlice("detect.markers"),
		},
	}
}

// siteFor resolves the site base, falling back to the first URL to
// mirror and then to the site recorded by the last run.
func (c config) siteFor(urls []string) (*site.Site, error) {
	base := c.Site
	if base == "" && len(urls) > 0 {
		base = urls[0]
	}
	if base == "" {
		if rep, err := mirror.LoadReport(c.OutputDir); err == nil && rep != nil {
			base = rep.Site
		}
	}
	if base == "" {
		return nil, errors.New("no site given: set --site or pass a URL")
	}
	return site.New(base, c.AllowHosts)
}

func (c config) matcher() exchange.Matcher {
	return exchange.Matcher{Hosts: c.APIHosts, PathPatterns: c.APIPatterns}
}

// pipeline is the shared state of a mirroring run.
type pipeline struct {
	store       *downloader.Store
	transformer *processor.Transformer
}

func (c config) pipeline(s *site.Site, logger logrus.FieldLogger) pipeline {
	dl := downloader.NewDownloader(downloader.Config{
		Retries:           c.Retries,
		Timeout:           c.AssetTimeout,
		MaxFileSize:       c.MaxAssetSize,
		UserAgent:         c.UserAgent,
		RequestsPerSecond: c.AssetRPS,
		Logger:            logger,
	})
	store := downloader.NewStore(c.OutputDir, s, dl, logger)
	tr := processor.NewTransformer(store, processor.NewLinkResolver(c.OutputDir, s), processor.Config{
		TrackerHosts:  c.TrackerHosts,
		PopupPatterns: c.PopupPatterns,
		APIHosts:      c.APIHosts,
		APIPatterns:   c.APIPatterns,
		Logger:        logger,
	})
	return pipeline{store: store, transformer: tr}
}

func (c config) newRenderer(logger logrus.FieldLogger) *renderer.Rod {
	return renderer.NewRod(renderer.RodConfig{
		RemoteURL:        c.RemoteURL,
		ChromeBin:        c.ChromeBin,
		Headless:         c.Headless,
		Settle:           c.Settle,
		ChallengeWait:    c.ChallengeWait,
		ChallengeMarkers: c.ChallengeMarkers,
		Screenshots:      c.Screenshots,
		API:              c.matcher(),
		Logger:           logger,
	})
}
