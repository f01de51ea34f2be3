package p2p

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/utils"
)

// NetworkState is what the monitor compares between checks
type NetworkState struct {
	LocalIP       string
	DetectionTime time.Time
}

// NetworkMonitor polls the preferred local address and reports changes.
// A node that moves networks must re-announce from its new address.
type NetworkMonitor struct {
	config    *utils.ConfigManager
	logger    *utils.LogsManager
	nodeTypes *utils.NodeTypeManager
	clock     clock.Clock
	localIP   func() (net.IP, error)
	onChange  func(previous, current NetworkState)

	currentState NetworkState
	stateMutex   sync.RWMutex

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      bool
	runningMutex sync.Mutex

	consecutiveFailures    int
	maxFailuresBeforeAlert int
}

func NewNetworkMonitor(config *utils.ConfigManager, logger *utils.LogsManager, onChange func(previous, current NetworkState)) *NetworkMonitor {
	nm := &NetworkMonitor{
		config:                 config,
		logger:                 logger,
		nodeTypes:              utils.NewNodeTypeManager(),
		clock:                  clock.New(),
		onChange:               onChange,
		maxFailuresBeforeAlert: 3,
	}
	nm.localIP = nm.scanLocalIP
	return nm
}

func (nm *NetworkMonitor) scanLocalIP() (net.IP, error) {
	nm.nodeTypes.Refresh()
	return nm.nodeTypes.GetLocalIP()
}

func (nm *NetworkMonitor) Start() error {
	nm.runningMutex.Lock()
	defer nm.runningMutex.Unlock()

	if nm.running {
		return fmt.Errorf("network monitor already running")
	}

	initial, err := nm.captureCurrentState()
	if err != nil {
		nm.logger.Warn(fmt.Sprintf("Failed to capture initial network state: %v", err), "network-monitor")
	}
	nm.stateMutex.Lock()
	nm.currentState = initial
	nm.stateMutex.Unlock()

	interval := nm.config.GetConfigDuration("network_monitor_interval", 30*time.Second)
	if interval <= 0 {
		interval = 30 * time.Second
	}

	nm.ctx, nm.cancel = context.WithCancel(context.Background())
	ticker := nm.clock.Ticker(interval)
	nm.running = true

	nm.wg.Add(1)
	go nm.monitorLoop(ticker)

	nm.logger.Info(fmt.Sprintf("Network monitor started (local IP %s, every %v)", initial.LocalIP, interval), "network-monitor")
	return nil
}

func (nm *NetworkMonitor) Stop() {
	nm.runningMutex.Lock()
	defer nm.runningMutex.Unlock()

	if !nm.running {
		return
	}
	nm.cancel()
	nm.running = false
	nm.wg.Wait()
}

func (nm *NetworkMonitor) State() NetworkState {
	nm.stateMutex.RLock()
	defer nm.stateMutex.RUnlock()
	return nm.currentState
}

func (nm *NetworkMonitor) monitorLoop(ticker *clock.Ticker) {
	defer nm.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-nm.ctx.Done():
			return
		case <-ticker.C:
			nm.checkForChanges()
		}
	}
}

func (nm *NetworkMonitor) captureCurrentState() (NetworkState, error) {
	state := NetworkState{DetectionTime: nm.clock.Now()}

	ip, err := nm.localIP()
	if err != nil {
		return state, err
	}
	state.LocalIP = ip.String()
	return state, nil
}

// checkForChanges runs on the monitor goroutine only
func (nm *NetworkMonitor) checkForChanges() {
	state, err := nm.captureCurrentState()
	if err != nil {
		nm.consecutiveFailures++
		if nm.consecutiveFailures >= nm.maxFailuresBeforeAlert {
			nm.logger.Error(fmt.Sprintf("Network state unavailable (%d consecutive failures): %v", nm.consecutiveFailures, err), "network-monitor")
		} else {
			nm.logger.Debug(fmt.Sprintf("Failed to capture network state: %v", err), "network-monitor")
		}
		return
	}
	if nm.consecutiveFailures > 0 {
		nm.logger.Info("Network state monitoring recovered", "network-monitor")
		nm.consecutiveFailures = 0
	}

	nm.stateMutex.Lock()
	previous := nm.currentState
	nm.currentState = state
	nm.stateMutex.Unlock()

	if previous.LocalIP == state.LocalIP {
		return
	}

	nm.logger.Info(fmt.Sprintf("Local IP changed: %s -> %s", previous.LocalIP, state.LocalIP), "network-monitor")
	if nm.onChange != nil {
		nm.onChange(previous, state)
	}
}
