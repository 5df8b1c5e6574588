package main

import (
	"context"
	"os"
	"time"

	"github.com/JamesJJ/dmarc-rollup/internal/dmarc"
	"github.com/JamesJJ/dmarc-rollup/internal/ingest"
	"github.com/JamesJJ/dmarc-rollup/internal/rollup"
	"github.com/charmbracelet/log"
	"github.com/jamiealquiza/envy"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type config struct {
	dbDriver               *string
	dbDSN                  *string
	autoMigrate            *bool
	redisURL               *string
	cacheTTL               *time.Duration
	logVerbose             *bool
	logFile                *string
	workers                *int
	fileTimeout            *time.Duration
	maxXMLSize             *int64
	requireDispositionNone *bool
	geoipDB                *string
}

var conf config

var rootCmd = &cobra.Command{
	Use:   "dmarc-rollup",
	Short: "Ingest, deduplicate and roll up DMARC aggregate reports",
	Long: `dmarc-rollup stores DMARC aggregate (RUA) reports exactly once and answers
rollup queries over them.

Reports arrive as .xml, .xml.gz or .zip files, either from the command line or
from mail objects announced on an SQS queue. Every flag can also be set from
the environment as DMARC_<FLAG>, e.g. DMARC_DB_DSN.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logInit(conf)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	conf = config{
		pf.String("db-driver", "postgres", "Database driver: postgres or sqlite"),
		pf.String("db-dsn", "", "Database connection string [MANDATORY]"),
		pf.Bool("auto-migrate", false, "Create or update tables before running the command"),
		pf.String("redis-url", "", "Redis URL for the rollup cache and alert channel, e.g. redis://localhost:6379/0"),
		pf.Duration("cache-ttl", rollup.DefaultCacheTTL, "How long a cached rollup view may be served"),
		pf.Bool("verbose", false, "Show detailed information during run"),
		pf.String("log-file", "", "Also write logs to this file, rotated automatically"),
		pf.Int("workers", ingest.DefaultWorkers, "How many files of a batch are ingested concurrently, 1+"),
		pf.Duration("file-timeout", ingest.DefaultTimeout, "Time limit for ingesting a single file"),
		pf.Int64("max-xml-size", dmarc.DefaultMaxXMLSize, "Maximum size in bytes of one decompressed XML report"),
		pf.Bool("require-disposition-none", true, "Only count a message as passing when its disposition is none"),
		pf.String("geoip-db", "", "Path to a GeoLite2/GeoIP2 country database for the sources view"),
	}
}

func main() {

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("Could not load .env file", "error", err)
	}

	envy.ParseCobra(rootCmd, envy.CobraConfig{
		Prefix:     "DMARC",
		Persistent: true,
		Recursive:  true,
	})

	ctx, stop := gracefulStop(context.Background())
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
