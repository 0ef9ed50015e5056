package commands

import (
	"bufio"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/huddlemesh/huddle/src/peer"
	"github.com/huddlemesh/huddle/src/room"
	"github.com/huddlemesh/huddle/src/signal"
	"github.com/huddlemesh/huddle/src/store"
)

var (
	_config = NewDefaultCLIConfig()
	logger  *logrus.Logger
)

func init() {
	RootCmd.Flags().String("moniker", _config.Huddle.Moniker, "Display name")
	RootCmd.Flags().String("signal-addr", _config.Huddle.SignalAddr, "IP:Port of the Huddle server")
	RootCmd.Flags().String("room", _config.Room, "Room ID to join")
	RootCmd.Flags().String("user", _config.UserID, "User ID (defaults to a fresh uuid)")
	RootCmd.Flags().Duration("join-timeout", _config.Huddle.JoinTimeout, "Time to wait for the server welcome")
	RootCmd.Flags().Bool("discard", _config.Discard, "discard output to stderr and stdout")
	RootCmd.Flags().String("log", _config.Huddle.LogLevel, "debug, info, warn, error, fatal, panic")
}

//RootCmd is the root command for the headless Huddle client
var RootCmd = &cobra.Command{
	Use:     "client",
	Short:   "Headless Huddle client",
	PreRunE: loadConfig,
	RunE:    runClient,
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runClient(cmd *cobra.Command, args []string) error {

	if _config.Room == "" {
		return fmt.Errorf("--room is required")
	}

	userID := _config.UserID
	if userID == "" {
		userID = uuid.New().String()
	}

	entry := logger.WithField("component", "CLIENT")

	// The manager is created after the dial because it signals through the
	// client; events that need it can arrive only after JoinRoom, which is
	// sent once the manager is in place.
	var (
		mu  sync.Mutex
		mgr *peer.Manager
	)
	withManager := func(f func(*peer.Manager)) {
		mu.Lock()
		defer mu.Unlock()
		if mgr != nil {
			f(mgr)
		}
	}

	welcome := make(chan string, 1)

	handlers := signal.Handlers{
		OnWelcome: func(id string) {
			welcome <- id
		},
		OnRoomParticipants: func(roster []*room.Participant) {
			fmt.Printf("%d participant(s) already here\n", len(roster))
			withManager(func(m *peer.Manager) { m.HandleRoster(roster) })
		},
		OnRoomMessages: func(history []*store.Message) {
			for _, msg := range history {
				fmt.Printf("%s: %s\n", msg.UserName, msg.Content)
			}
		},
		OnUserJoined: func(p *room.Participant) {
			fmt.Printf("* %s joined\n", p.Name)
		},
		OnUserLeft: func(n signal.UserLeftPayload) {
			if n.User != nil {
				fmt.Printf("* %s left\n", n.User.Name)
			}
			withManager(func(m *peer.Manager) { m.HandleUserLeft(n.ConnID) })
		},
		OnOffer: func(o signal.RelayedOffer) {
			withManager(func(m *peer.Manager) { m.HandleOffer(o) })
		},
		OnAnswer: func(a signal.RelayedAnswer) {
			withManager(func(m *peer.Manager) { m.HandleAnswer(a) })
		},
		OnCandidate: func(c signal.RelayedCandidate) {
			withManager(func(m *peer.Manager) { m.HandleCandidate(c) })
		},
		OnNewMessage: func(msg *store.Message) {
			fmt.Printf("%s: %s\n", msg.UserName, msg.Content)
		},
		OnError: func(msg string) {
			entry.Errorf("Server error: %s", msg)
		},
	}

	client, err := signal.Dial(_config.Huddle.SignalAddr, handlers, entry)
	if err != nil {
		return err
	}
	defer client.Close()

	manager := peer.NewManager(
		_config.Huddle.ICEServers(),
		client,
		peer.NewStaticSource(),
		peer.Callbacks{
			OnPeerConnected: func(remote string) {
				entry.WithField("remote", remote).Info("Peer connected")
			},
			OnPeerRemoved: func(remote string) {
				entry.WithField("remote", remote).Info("Peer removed")
			},
		},
		entry,
	)
	defer manager.Close()

	select {
	case id := <-welcome:
		manager.HandleWelcome(id)
	case <-time.After(_config.Huddle.JoinTimeout):
		return fmt.Errorf("timed out waiting for server welcome")
	case <-client.Done():
		return fmt.Errorf("connection closed")
	}

	mu.Lock()
	mgr = manager
	mu.Unlock()

	manager.Start(true, true)

	if err := client.JoinRoom(_config.Room, userID, _config.Huddle.Moniker); err != nil {
		return err
	}

	//Listen for input messages from tty
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		switch text {
		case "/share":
			if err := manager.StartScreenShare(); err != nil {
				fmt.Printf("Error starting share: %v\n", err)
			}
		case "/unshare":
			manager.StopScreenShare()
		case "/audio":
			fmt.Printf("audio enabled: %t\n", manager.ToggleAudio())
		case "/video":
			fmt.Printf("video enabled: %t\n", manager.ToggleVideo())
		case "/quit":
			client.LeaveRoom()
			return nil
		default:
			if err := client.SendChat(text); err != nil {
				fmt.Printf("Error sending message: %v\n", err)
			}
		}
	}

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

func loadConfig(cmd *cobra.Command, args []string) error {

	err := viper.BindPFlags(cmd.Flags())
	if err != nil {
		return err
	}

	_config = NewDefaultCLIConfig()
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	logger = newLogger()
	logger.Level = logLevel(_config.Huddle.LogLevel)

	logger.WithFields(logrus.Fields{
		"moniker":     _config.Huddle.Moniker,
		"signal-addr": _config.Huddle.SignalAddr,
		"room":        _config.Room,
		"discard":     _config.Discard,
		"log":         _config.Huddle.LogLevel,
	}).Debug("RUN")

	return nil
}

func newLogger() *logrus.Logger {
	logger := logrus.New()

	pathMap := lfshook.PathMap{}

	_, err := os.OpenFile("client_info.log", os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		logger.Info("Failed to open client_info.log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = "client_info.log"
	}

	_, err = os.OpenFile("client_debug.log", os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		logger.Info("Failed to open client_debug.log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = "client_debug.log"
	}

	if err == nil && _config.Discard {
		logger.Out = ioutil.Discard
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))

	return logger
}

func logLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
