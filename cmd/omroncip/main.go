// omroncip - Omron CIP tag gateway
//
// Reads and writes tags on Omron NJ/NX controllers over EtherNet/IP, and
// republishes them via REST API, MQTT, Valkey and Kafka.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"omroncip/api"
	"omroncip/capture"
	"omroncip/config"
	"omroncip/kafka"
	"omroncip/logging"
	"omroncip/mqtt"
	"omroncip/plcman"
	"omroncip/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "API listen port (overrides config)")
	httpHost    = flag.String("host", "", "API bind address (overrides config)")
	adminUser   = flag.String("admin-user", "", "Create/update admin user (saves to config)")
	adminPass   = flag.String("admin-pass", "", "Password for admin user (saves to config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log")
	capturePath = flag.String("capture", "", "Write every EtherNet/IP frame to this pcap file")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: omroncip [flags] [command]

Without a command, runs the gateway service from the configuration file.

Commands:
  read      Read one or more tags from a PLC
  write     Write a tag on a PLC
  identify  Show a PLC's identity
  discover  Broadcast ListIdentity and list responding devices
  sim       Run a simulated PLC

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	preprocessLogDebugFlag()
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("omroncip %s\n", Version)
		os.Exit(0)
	}

	closeDebug := setupDebugLog("debug.log", *logDebug)
	defer func() { closeDebug() }()

	if flag.NArg() > 0 {
		os.Exit(runCommand(flag.Arg(0), flag.Args()[1:]))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	if *httpPort != 0 {
		cfg.API.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.API.Host = *httpHost
	}
	if *noAPI {
		cfg.API.Enabled = false
	}

	if *adminUser != "" && *adminPass != "" {
		if err := setAdminUser(cfg, *adminUser, *adminPass); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Admin user '%s' configured for REST API\n", *adminUser)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if *logDebug == "" && cfg.DebugLog != "" {
		filter := cfg.DebugFilter
		if filter == "" {
			filter = "all"
		}
		closeDebug = setupDebugLog(cfg.DebugLog, filter)
	}

	run(cfg)
}

// setAdminUser creates the user or resets an existing user's password and role.
func setAdminUser(cfg *config.Config, username, password string) error {
	if existing := cfg.FindAPIUser(username); existing != nil {
		hash, err := config.HashPassword(password)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}
		existing.PasswordHash = hash
		existing.Role = config.RoleAdmin
		return nil
	}
	return cfg.AddAPIUser(username, password, config.RoleAdmin)
}

// setupDebugLog enables the global debug logger when filter is set and returns its closer.
func setupDebugLog(path, filter string) func() {
	if filter == "" {
		return func() {}
	}
	dl, err := logging.NewDebugLogger(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		return func() {}
	}
	if filter == "all" || filter == "true" || filter == "1" {
		filter = ""
	}
	dl.SetFilter(filter)
	logging.SetGlobalDebugLogger(dl)
	return func() {
		logging.SetGlobalDebugLogger(nil)
		dl.Close()
	}
}

// run starts the gateway service and blocks until SIGINT or SIGTERM.
func run(cfg *config.Config) {
	var fileLogger *logging.FileLogger
	logPath := *logFile
	if logPath == "" {
		logPath = cfg.LogFile
	}
	if logPath != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		}
	}

	opts := []plcman.Option{plcman.WithLogger(fileLogger)}

	pcapPath := *capturePath
	if pcapPath == "" && cfg.Capture.Enabled {
		pcapPath = cfg.Capture.Path
	}
	var recorder *capture.Recorder
	if pcapPath != "" {
		var err error
		recorder, err = capture.Create(pcapPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open capture file: %v\n", err)
		} else {
			opts = append(opts, plcman.WithRecorder(recorder))
			fmt.Printf("Capturing EtherNet/IP traffic to %s\n", pcapPath)
		}
	}

	manager := plcman.NewManager(cfg.PollRate, opts...)
	manager.LoadFromConfig(cfg)

	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	mqttMgr.SetPLCNames(manager.PLCNames())

	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)

	kafkaMgr := kafka.NewManager()
	kafkaMgr.LoadFromConfig(cfg.Kafka, cfg.Namespace)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(manager, &cfg.API)
	}

	setupValueChangeHandlers(manager, apiServer, mqttMgr, valkeyMgr, kafkaMgr)
	setupStatusHandler(manager, apiServer, valkeyMgr, kafkaMgr)
	setupWriteHandlers(manager, mqttMgr, valkeyMgr, kafkaMgr)

	valkeyMgr.SetOnConnectCallback(func() {
		forcePublishAllValuesToValkey(manager, valkeyMgr)
	})

	manager.Start()

	if apiServer != nil {
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start REST API on port %d: %v\n", cfg.API.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
			apiServer = nil
		} else {
			fmt.Printf("REST API: %s/api/\n", apiServer.Address())
		}
	}

	manager.ConnectEnabled()

	go func() {
		if started := mqttMgr.StartAll(); started > 0 {
			forcePublishAllValuesToMQTT(manager, mqttMgr)
		}
	}()
	go valkeyMgr.StartAll()
	go kafkaMgr.ConnectEnabled()

	go publishHealthLoop(manager, valkeyMgr, kafkaMgr)

	fileLogger.Log("omroncip %s started with %d PLC(s)", Version, len(cfg.PLCs))
	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	shutdownDone := make(chan struct{})
	go func() {
		mqttMgr.StopAll()
		valkeyMgr.StopAll()
		kafkaMgr.StopAll()
		if apiServer != nil {
			apiServer.Stop()
		}
		manager.Stop()
		manager.DisconnectAll()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
	}

	if recorder != nil {
		recorder.Close()
	}
	fileLogger.Log("omroncip stopped")
	fileLogger.Close()
	fmt.Println("Stopped")
}

// forcePublishAllValuesToMQTT publishes all current tag values to MQTT brokers.
func forcePublishAllValuesToMQTT(manager *plcman.Manager, mqttMgr *mqtt.Manager) {
	values := manager.GetAllCurrentValues()
	logging.DebugLog("mqtt", "initial sync: publishing %d values", len(values))
	for _, v := range values {
		if !v.NoMQTT {
			mqttMgr.Publish(v.PLCName, v.TagName, v.TypeName, v.Value, v.Writable, true)
		}
	}
}

// forcePublishAllValuesToValkey publishes all current tag values to Valkey servers.
func forcePublishAllValuesToValkey(manager *plcman.Manager, valkeyMgr *valkey.Manager) {
	n := valkeyMgr.PublishChanges(manager.GetAllCurrentValues())
	logging.DebugLog("valkey", "initial sync: published %d values", n)
}

// publishHealthLoop publishes PLC health to Valkey and Kafka every 10 seconds.
func publishHealthLoop(manager *plcman.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	time.Sleep(2 * time.Second)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	publishAllHealth(manager, valkeyMgr, kafkaMgr)
	for range ticker.C {
		publishAllHealth(manager, valkeyMgr, kafkaMgr)
	}
}

// publishAllHealth publishes health status for all PLCs to Valkey and Kafka.
func publishAllHealth(manager *plcman.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	for _, plc := range manager.ListPLCs() {
		status := plc.GetStatus()
		errMsg := ""
		if err := plc.GetError(); err != nil {
			errMsg = err.Error()
		}
		online := status == plcman.StatusConnected
		valkeyMgr.PublishHealth(plc.Config.Name, online, status.String(), errMsg)
		kafkaMgr.PublishHealth(plc.Config.Name, online, status.String(), errMsg)
	}
}

// setupStatusHandler pushes connection status changes to SSE clients and brokers.
func setupStatusHandler(manager *plcman.Manager, apiServer *api.Server, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	manager.SetOnChange(func() {
		if apiServer != nil {
			apiServer.BroadcastStatus()
		}
		go publishAllHealth(manager, valkeyMgr, kafkaMgr)
	})
}

// setupValueChangeHandlers fans value changes out to SSE clients, MQTT, Valkey and Kafka.
func setupValueChangeHandlers(manager *plcman.Manager, apiServer *api.Server, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	manager.SetOnValueChange(func(changes []plcman.ValueChange) {
		if apiServer != nil {
			apiServer.BroadcastChanges(changes)
		}

		mqttRunning := mqttMgr.AnyRunning()
		valkeyRunning := valkeyMgr.AnyRunning()
		kafkaPublishing := kafkaMgr.AnyPublishing()

		logging.DebugLog("plcman", "OnValueChange: %d changes, MQTT: %v, Valkey: %v, Kafka: %v",
			len(changes), mqttRunning, valkeyRunning, kafkaPublishing)

		if !mqttRunning && !valkeyRunning && !kafkaPublishing {
			return
		}

		changesCopy := make([]plcman.ValueChange, len(changes))
		copy(changesCopy, changes)

		if mqttRunning {
			go func() {
				for _, c := range changesCopy {
					if !c.NoMQTT {
						mqttMgr.Publish(c.PLCName, c.TagName, c.TypeName, c.Value, c.Writable, false)
					}
				}
			}()
		}

		if valkeyRunning {
			go valkeyMgr.PublishChanges(changesCopy)
		}

		if kafkaPublishing {
			go func() {
				for _, c := range changesCopy {
					if !c.NoKafka {
						kafkaMgr.Publish(c.PLCName, c.TagName, c.Address, c.TypeName, c.Value, c.Writable, false)
					}
				}
			}()
		}
	})
}

// setupWriteHandlers routes broker write requests to the PLC manager. Only tags
// configured as writable are accepted.
func setupWriteHandlers(manager *plcman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	writeHandler := func(plcName, tagName string, value interface{}) error {
		ctx, cancel := context.WithTimeout(context.Background(), api.WriteTimeout)
		defer cancel()
		return manager.WriteTag(ctx, plcName, tagName, value)
	}
	writeValidator := manager.IsWritable

	mqttMgr.SetWriteHandler(writeHandler)
	mqttMgr.SetWriteValidator(writeValidator)

	valkeyMgr.SetWriteHandler(writeHandler)
	valkeyMgr.SetWriteValidator(writeValidator)

	kafkaMgr.SetWriteHandler(writeHandler)
	kafkaMgr.SetWriteValidator(writeValidator)
}
