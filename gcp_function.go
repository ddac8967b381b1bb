package ksm_google_scim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/kelseyhightower/envconfig"
	ksm "github.com/keeper-security/secrets-manager-go/core"
	"github.com/rs/zerolog"

	"keepersecurity.com/ksm-scim-sync/report"
	"keepersecurity.com/ksm-scim-sync/scim"
)

func init() {
	// Register an HTTP function with the Functions Framework
	functions.HTTP("GcpScimSyncHttp", gcpScimSyncHttp)
	functions.CloudEvent("GcpScimSyncPubSub", gcpScimSyncPubSub)
}

// functionEnv is the environment of the Cloud Function.
type functionEnv struct {
	KsmConfig string `envconfig:"KSM_CONFIG_BASE64" required:"true"`
	RecordUid string `envconfig:"KSM_RECORD_UID"`
	// DryRun forces a preview regardless of the record settings.
	DryRun   bool   `envconfig:"SCIM_DRY_RUN"`
	LogLevel string `envconfig:"SCIM_LOG_LEVEL" default:"info"`
}

func newFunctionLogger(level string, verbose bool) zerolog.Logger {
	var lvl, err = zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}
	// Cloud Logging parses one JSON object per line from stderr
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Str("app", "ksm-scim-sync").Logger()
}

func runScimSync(ctx context.Context) (syncReport *scim.RunReport, err error) {
	var env functionEnv
	if err = envconfig.Process("", &env); err != nil {
		err = fmt.Errorf("function environment: %w", err)
		return
	}
	var logger = newFunctionLogger(env.LogLevel, false)

	var sm = ksm.NewSecretsManager(&ksm.ClientOptions{
		Config: ksm.NewMemoryKeyValueStorage(env.KsmConfig),
	})

	var filter []string
	if len(env.RecordUid) > 0 {
		filter = append(filter, env.RecordUid)
	}

	var records []*ksm.Record
	if records, err = sm.GetSecrets(filter); err != nil {
		logger.Error().Err(err).Msg("Keeper Secrets Manager")
		return
	}

	var scimRecord = scim.FindScimRecord(records)
	if scimRecord == nil {
		err = errors.New("SCIM record was not found. Make sure the record is valid and shared to KSM application")
		logger.Error().Err(err).Send()
		return
	}

	var scimParams *scim.ScimEndpointParameters
	var googleParams *scim.GoogleEndpointParameters
	var runConfig *scim.RunConfig
	if scimParams, googleParams, runConfig, err = scim.LoadScimParametersFromRecord(scimRecord); err != nil {
		logger.Error().Err(err).Str("record_uid", scimRecord.Uid).Msg("SCIM record")
		return
	}
	if scim.IsVerbose(scimRecord) {
		logger = newFunctionLogger(env.LogLevel, true)
	}
	if env.DryRun {
		runConfig.DryRun = true
	}
	scimParams.Timeout = 60 * time.Second

	var googleEndpoint = scim.NewGoogleEndpoint(googleParams, scim.WithGoogleLogger(logger))
	var scimEndpoint = scim.NewScimEndpoint(scimParams, scim.WithScimLogger(logger))
	var engine = scim.NewEngine(googleEndpoint, scimEndpoint, scim.WithLogger(logger))

	syncReport, err = engine.RunSync(ctx, *runConfig)
	return
}

// Function gcpScimSyncHttp is an HTTP handler
func gcpScimSyncHttp(w http.ResponseWriter, r *http.Request) {
	var syncReport, err = runScimSync(r.Context())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		if syncReport != nil {
			report.Print(w, syncReport)
		} else {
			_, _ = fmt.Fprintf(w, "%s\n", err.Error())
		}
		return
	}
	if !syncReport.Succeeded() {
		w.WriteHeader(http.StatusMultiStatus)
	}
	report.Print(w, syncReport)
}

// gcpScimSyncPubSub consumes a CloudEvent message and runs the synchronization.
func gcpScimSyncPubSub(ctx context.Context, _ event.Event) (err error) {
	var syncReport *scim.RunReport
	if syncReport, err = runScimSync(ctx); err != nil {
		return
	}
	report.Print(os.Stdout, syncReport)
	return syncReport.Err()
}
