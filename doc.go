// Package installws provides a reconnecting WebSocket client for following a
// long-running, server-side firmware installation.
//
// The client keeps one connection to the installer backend and exposes three
// groups of operations to the rest of an application:
//
//   - Connect / Disconnect / Close: drive the connection lifecycle
//   - Send: transmit a command, queueing it while the link is down
//   - On*: subscribe to inbound events by category
//
// Commands sent while disconnected are held in an in-order queue and flushed
// as soon as a connection comes up. Unexpected drops are retried with
// exponential backoff until a configurable bound is reached, after which the
// client reports ErrRetryExhausted and waits for an explicit Connect.
//
// Basic usage:
//
//	client, err := installws.NewClient(installws.Config{
//	    URL: "ws://localhost:8000/ws",
//	}, installws.WithLogger(slog.Default()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	stop := client.OnInstallationStatus(func(s installws.InstallationStatus) {
//	    fmt.Printf("%s %d%%\n", s.Status, s.Progress)
//	})
//	defer stop()
//
//	client.OnError(installws.LogErrors(slog.Default()))
//
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
package installws
