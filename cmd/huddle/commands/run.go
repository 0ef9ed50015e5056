package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/huddlemesh/huddle/src/huddle"
)

//NewRunCmd returns the command that starts a Huddle server
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run server",
		PreRunE: loadConfig,
		RunE:    runHuddle,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runHuddle(cmd *cobra.Command, args []string) error {
	engine := huddle.NewHuddle(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		engine.Shutdown()
	}()

	return engine.Run()
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Also write logs to this file")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for signaling and API")
	cmd.Flags().Bool("no-service", _config.NoService, "Do not serve the HTTP API")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().String("mongo", _config.MongoURL, "MongoDB URL; overrides --store")
	cmd.Flags().Int("cache-size", _config.CacheSize, "Number of chat messages kept per room in memory")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	if _config.LogFile != "" {
		_config.Logger().Logger.Hooks.Add(lfshook.NewHook(
			_config.LogFile,
			&logrus.TextFormatter{},
		))
	}

	logFields := logrus.Fields{
		"DataDir":   _config.DataDir,
		"BindAddr":  _config.BindAddr,
		"NoService": _config.NoService,
		"Store":     _config.Store,
		"LogLevel":  _config.LogLevel,
		"CacheSize": _config.CacheSize,
	}

	if _config.Store {
		logFields["DatabaseDir"] = _config.DatabaseDir
	}

	if _config.MongoURL != "" {
		logFields["MongoURL"] = _config.MongoURL
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/huddle.toml (.json, .yaml also work)
	viper.SetConfigName("huddle")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
