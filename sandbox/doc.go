// Package sandbox runs generated code inside a per-session container.
//
// A Manager owns exactly one container for one session. Start provisions it
// in the background and Stop tears it down, both returning a Task handle the
// caller may wait on or drop. Commands run through a Runtime (Docker, Podman
// through its Docker-compatible socket, or a local development backend) and
// are supervised by an Execution: output is streamed line by line while a
// watcher polls the exec status and detaches from the stream once the detach
// timeout elapses. Detached processes are left running.
//
// Usage:
//
//	runtime, err := sandbox.NewRuntime(logger, cfg)
//	mgr := sandbox.NewFactory(logger, cfg, runtime).NewSession(sessionID)
//	mgr.Start(ctx)
//	lines, err := mgr.ExecuteBash(ctx, "echo hello")
//	for line := range lines {
//	    fmt.Print(line)
//	}
//	mgr.Stop(ctx)
package sandbox
