// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

/*
Package supervisor runs the engine's long-lived services under suture v4.

	RootSupervisor ("telegram-engine")
	├── QueueSupervisor ("queue-layer")
	│   ├── job workers, one per declared queue
	│   ├── trigger loop (repeatable cron jobs)
	│   └── janitor (stalled job recovery, retention)
	├── MessagingSupervisor ("messaging-layer")
	│   └── event bus router
	└── APISupervisor ("api-layer")
	    └── HTTPServerService

Each layer restarts its own children with exponential backoff. A failing
child never takes down a sibling layer. Supervisor events are logged
through sutureslog.
*/
package supervisor
