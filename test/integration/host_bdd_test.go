//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/sentinel/internal/channel"
	"github.com/eliteGoblin/focusd/sentinel/internal/config"
	"github.com/eliteGoblin/focusd/sentinel/internal/daemon"
	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
	"github.com/eliteGoblin/focusd/sentinel/internal/infra"
	"github.com/eliteGoblin/focusd/sentinel/test/fixtures"
)

// pushPower is a PowerSource fed by the test.
type pushPower struct {
	events chan domain.PowerEvent
}

func (p *pushPower) Subscribe(ctx context.Context) (<-chan domain.PowerEvent, error) {
	out := make(chan domain.PowerEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-p.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// runningHost is one host process-equivalent bound to a temp directory.
type runningHost struct {
	host   *daemon.Host
	cancel context.CancelFunc
	done   chan error
}

func startHost(cfg *config.Config, adapters daemon.Adapters) *runningHost {
	h := daemon.NewHost(cfg, adapters, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	rh := &runningHost{host: h, cancel: cancel, done: make(chan error, 1)}
	go func() { rh.done <- h.Run(ctx) }()
	Eventually(h.Ready(), 5*time.Second).Should(BeClosed())
	return rh
}

func (rh *runningHost) stop() {
	rh.cancel()
	Eventually(rh.done, 5*time.Second).Should(Receive(BeNil()))
}

var _ = Describe("Sentinel host", func() {
	var (
		tmpDir  string
		cfg     *config.Config
		window  *fixtures.FakeWindow
		power   *pushPower
		adapter daemon.Adapters
		running *runningHost
		client  *channel.Client
		ctx     context.Context
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "sentinel-integration-*")
		Expect(err).NotTo(HaveOccurred())

		c := config.Default()
		c.Host.DataDir = filepath.Join(tmpDir, "data")
		c.Host.SocketPath = filepath.Join(tmpDir, "sentinel.sock")
		c.Host.LockPath = filepath.Join(tmpDir, "sentinel.lock")
		c.Window.CheckIntervalSeconds = 1
		c.Renderer.ListenAddr = "127.0.0.1:0"
		c.Metrics.ListenAddr = ""
		cfg = &c

		window = fixtures.NewFakeWindow("0x3a00007")
		power = &pushPower{events: make(chan domain.PowerEvent, 4)}
		adapter = daemon.Adapters{
			Locator: fixtures.NewFakeLocator(window),
			Power:   power,
			OpenStore: func() (domain.KeyValueStore, error) {
				return infra.OpenKVStoreWithProvider(cfg.Host.DataDir, infra.NewKeyFile(cfg.Host.DataDir))
			},
		}
		running = startHost(cfg, adapter)

		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		client, err = channel.Dial(ctx, cfg.Host.SocketPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		client.Close()
		running.stop()
		cancel()
		os.RemoveAll(tmpDir)
	})

	Describe("persistent alert", func() {
		It("locks the window and keeps it locked through restore", func() {
			Expect(client.Send(ctx, channel.SetPersistentAlertActive, true)).To(Succeed())
			Eventually(window.Attributes, 3*time.Second).Should(Equal(domain.StatePersistentAlert.Attributes()))

			window.Minimize()
			Expect(client.Send(ctx, channel.RestoreWindow)).To(Succeed())
			Eventually(window.Visible, 3*time.Second).Should(BeTrue())
			Consistently(window.Attributes, 300*time.Millisecond).Should(Equal(domain.StatePersistentAlert.Attributes()))
		})

		It("ignores always-on-top(false) while the alert is active", func() {
			Expect(client.Send(ctx, channel.SetPersistentAlertActive, true)).To(Succeed())
			Eventually(window.Attributes, 3*time.Second).Should(Equal(domain.StatePersistentAlert.Attributes()))

			Expect(client.Send(ctx, channel.SetAlwaysOnTop, false)).To(Succeed())

			Consistently(func() bool { return window.Attributes().AlwaysOnTop }, 300*time.Millisecond).Should(BeTrue())
		})

		It("releases the window when the alert ends", func() {
			Expect(client.Send(ctx, channel.SetPersistentAlertActive, true)).To(Succeed())
			Expect(client.Send(ctx, channel.SetPersistentAlertActive, false)).To(Succeed())

			Eventually(window.Attributes, 3*time.Second).Should(Equal(domain.StateNormal.Attributes()))
		})
	})

	Describe("settings store", func() {
		storeGet := func(c *channel.Client, key string) any {
			var v any
			Expect(c.Invoke(ctx, channel.StoreGet, &v, key)).To(Succeed())
			return v
		}

		It("persists values across a host restart", func() {
			Eventually(func() any {
				Expect(client.Invoke(ctx, channel.StoreSet, nil, "theme", map[string]any{"mode": "dark"})).To(Succeed())
				return storeGet(client, "theme")
			}, 3*time.Second, 50*time.Millisecond).Should(Equal(map[string]any{"mode": "dark"}))

			client.Close()
			running.stop()
			running = startHost(cfg, adapter)

			var err error
			client, err = channel.Dial(ctx, cfg.Host.SocketPath)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() any { return storeGet(client, "theme") }, 3*time.Second, 50*time.Millisecond).
				Should(Equal(map[string]any{"mode": "dark"}))
		})

		It("returns nil after delete", func() {
			Eventually(func() any {
				Expect(client.Invoke(ctx, channel.StoreSet, nil, "volume", 3)).To(Succeed())
				return storeGet(client, "volume")
			}, 3*time.Second, 50*time.Millisecond).ShouldNot(BeNil())

			Expect(client.Invoke(ctx, channel.StoreDelete, nil, "volume")).To(Succeed())
			Expect(storeGet(client, "volume")).To(BeNil())
		})
	})

	Describe("presence", func() {
		It("pushes lock events to the renderer and reports them in device status", func() {
			conn, _, err := websocket.DefaultDialer.Dial("ws://"+running.host.RendererAddr()+channel.WebSocketPath, nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()
			Eventually(running.host.Hub().Subscribers, 2*time.Second).Should(Equal(1))

			power.events <- domain.PowerLock

			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			var ev channel.Event
			Expect(conn.ReadJSON(&ev)).To(Succeed())
			Expect(ev.Event).To(Equal(domain.EventLockScreen))

			snap, err := client.DeviceStatus(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.ScreenLocked).To(BeTrue())
			Expect(snap.IdleState).To(Equal(domain.IdleStateActive))
		})
	})
})
