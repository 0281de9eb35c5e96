//go:build integration

package integration

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/carnary/internal/client"
	"github.com/eliteGoblin/focusd/carnary/internal/daemon"
	"github.com/eliteGoblin/focusd/carnary/internal/domain"
	"github.com/eliteGoblin/focusd/carnary/internal/infra"
	"github.com/eliteGoblin/focusd/carnary/internal/policy"
	"github.com/eliteGoblin/focusd/carnary/test/fixtures"
)

var _ = Describe("Supervisor", func() {
	var (
		dataDir    string
		journal    *infra.EncryptedJournal
		supervisor *daemon.Supervisor
		fake       *fixtures.FakeDaemon
		ctx        context.Context
		cancel     context.CancelFunc
	)

	BeforeEach(func() {
		dataDir = GinkgoT().TempDir()

		var err error
		journal, err = infra.OpenJournal(dataDir)
		Expect(err).NotTo(HaveOccurred())

		probe, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		start := probe.Addr().(*net.TCPAddr).Port
		probe.Close()

		config := daemon.SupervisorConfig{
			ListenAddress:   "127.0.0.1",
			NegotiationPort: 0,
			PortRangeStart:  start,
			PortRangeEnd:    start + 16,
			RuntimeDir:      GinkgoT().TempDir(),
			DataDir:         dataDir,
			Watcher: daemon.WatcherConfig{
				ListenAddress:     "127.0.0.1",
				RateCheckInterval: 100 * time.Millisecond,
				PollInterval:      5 * time.Millisecond,
			},
		}

		logger := zap.NewNop()
		supervisor = daemon.NewSupervisor(config, infra.NewSocketFactory(), infra.NewProcessManager(),
			journal, policy.NewRegistry(logger), logger)
		Expect(supervisor.Init(context.Background())).To(Succeed())

		fake, err = fixtures.StartFakeDaemon()
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	})

	AfterEach(func() {
		cancel()
		supervisor.Destroy()
		fake.Cleanup()
		Expect(journal.Close()).To(Succeed())
	})

	connect := func(minRate uint16) *client.Session {
		session, err := client.Connect(ctx, supervisor.Addr().String(), "fake-daemon", minRate, fake.PID())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = session.Monitor.Close() })
		return session
	}

	lastIncident := func() domain.Incident {
		incidents, err := journal.List(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(incidents).To(HaveLen(1))
		return incidents[0]
	}

	Describe("registration", func() {
		It("should negotiate a monitoring port in range", func() {
			session := connect(5)

			Expect(session.Registration.NegotiationID).NotTo(BeEmpty())
			negotiations := supervisor.Negotiations()
			Expect(negotiations).To(HaveLen(1))
			Expect(negotiations[0].DaemonPID).To(Equal(fake.PID()))
			Expect(negotiations[0].MonitoringPort).To(Equal(session.Registration.MonitoringPort))
			Expect(supervisor.State()).To(Equal(domain.StateReady))
		})

		It("should assign distinct ports to concurrent daemons", func() {
			first := connect(0)
			second := connect(0)

			Expect(first.Registration.MonitoringPort).NotTo(Equal(second.Registration.MonitoringPort))
			Expect(supervisor.Negotiations()).To(HaveLen(2))
		})
	})

	Describe("healthy daemon", func() {
		It("should not be signaled while heartbeats keep up", func() {
			session := connect(5)

			beatCtx, stopBeats := context.WithCancel(ctx)
			defer stopBeats()
			go func() { _ = session.Monitor.Run(beatCtx, 50*time.Millisecond) }()

			Consistently(fake.Exited(), 700*time.Millisecond).ShouldNot(BeClosed())
			Expect(supervisor.State()).To(Equal(domain.StateReady))
		})
	})

	Describe("escalation", func() {
		Context("when the daemon sends a panic byte", func() {
			It("should terminate the daemon and degrade", func() {
				session := connect(0)
				Expect(session.Monitor.Beat()).To(Succeed())
				Expect(session.Monitor.Panic()).To(Succeed())

				Expect(fake.WaitExit(5 * time.Second)).To(BeTrue())
				Expect(fake.ExitError()).To(MatchError(ContainSubstring("terminated")))
				Expect(supervisor.State()).To(Equal(domain.StateDegraded))

				Eventually(func() int {
					incidents, _ := journal.List(0)
					return len(incidents)
				}, 2*time.Second).Should(Equal(1))
				incident := lastIncident()
				Expect(incident.Cause).To(Equal(domain.CausePanic))
				Expect(incident.DaemonPID).To(Equal(fake.PID()))
				Expect(incident.SignalError).To(BeEmpty())
			})
		})

		Context("when the daemon goes silent", func() {
			It("should escalate as a rate violation", func() {
				connect(4)

				Expect(fake.WaitExit(5 * time.Second)).To(BeTrue())
				Eventually(func() int {
					incidents, _ := journal.List(0)
					return len(incidents)
				}, 2*time.Second).Should(Equal(1))
				Expect(lastIncident().Cause).To(Equal(domain.CauseRateViolation))
			})
		})

		Context("when the daemon disconnects", func() {
			It("should escalate as a heartbeat I/O failure", func() {
				session := connect(0)
				Expect(session.Monitor.Close()).To(Succeed())

				Expect(fake.WaitExit(5 * time.Second)).To(BeTrue())
				Eventually(func() int {
					incidents, _ := journal.List(0)
					return len(incidents)
				}, 2*time.Second).Should(Equal(1))
				Expect(lastIncident().Cause).To(Equal(domain.CauseHeartbeatIO))
			})
		})

		It("should refuse registrations once degraded", func() {
			session := connect(0)
			Expect(session.Monitor.Panic()).To(Succeed())
			Expect(fake.WaitExit(5 * time.Second)).To(BeTrue())

			_, err := client.Connect(ctx, supervisor.Addr().String(), "late", 0, fake.PID())
			Expect(err).To(HaveOccurred())
		})
	})
})
