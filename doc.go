/*
Package watchdog keeps a program alive by pairing it with a guardian process

Introduction

A protected program (the client) and a dedicated guardian process watch each
other. Both run the same three periodic tasks on a sched.Scheduler:

	heartbeat   every HeartbeatInterval  ping the partner with SIGUSR1, count one failure
	threshold   every CheckInterval      revive the partner once failures exceed Threshold
	rollback    every RollbackInterval   stop once the partner sent SIGUSR2

A ping received from the partner resets the failure counter, so a counter
only grows while the partner does not run. A partner that does not ping for
more than Threshold heartbeats is started again: the guardian restarts the
client with its original command line, the client restarts the guardian.
Before either side relies on the other, both meet at a rendezvous on two
named semaphores, sem_wd and sem_client.

Usage

The client puts itself under supervision at startup:

	w, err := watchdog.Start(os.Args)
	if err != nil {
		// not protected
	}
	defer w.Stop()

Without a configured guardian executable the client executable is started
again in guardian role, so Start must be called early in main: in the
guardian role it never returns. A guardian executable such as cmd/wdguard
may be configured with guardian_path instead.

Configuration

Configuration is read from the yaml file named by WD_CONFIG and from WD_*
environment variables, see Config. Both processes of a pair must agree, so
a partner is always started with the configuration in its environment.

Caveats

Supervision relies on SIGUSR1 and SIGUSR2, the program must not use them.
A rendezvous waits without a timeout. Missed heartbeats cannot tell a slow
partner from a dead one, a slow partner is replaced.
*/
package watchdog
