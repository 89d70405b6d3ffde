package backup

import (
	"appdatabackupd/internal/events"
)

// DbDumpStarted logs the start of a database dump.
func (p *Participant) DbDumpStarted(status events.DbBackupStatus) {
	p.log.Info().Str("url", status.URL).Int("err", status.Err).Msg("started database dump")
}

// DbDumpStopped logs the end of a database dump.
func (p *Participant) DbDumpStopped(status events.DbBackupStatus) {
	p.log.Info().Str("url", status.URL).Int("err", status.Err).Msg("stopped database dump")
}

// DbRestoreStarted logs the start of a database restore.
func (p *Participant) DbRestoreStarted(status events.DbBackupStatus) {
	p.log.Info().Str("url", status.URL).Int("err", status.Err).Msg("started restore")
}

// DbRestoreStopped logs the end of a database restore.
func (p *Participant) DbRestoreStopped(status events.DbBackupStatus) {
	p.log.Info().Str("url", status.URL).Int("err", status.Err).Msg("stopped restore")
}

// ObserveDatabaseEvents forwards dump and restore statuses from bus to the
// observer methods until the event bus is closed. The returned channel is
// closed when forwarding stops.
func (p *Participant) ObserveDatabaseEvents(b *events.Bus) <-chan struct{} {
	dumpStarted := b.Subscribe(events.TopicDbDumpStarted, 8)
	dumpStopped := b.Subscribe(events.TopicDbDumpStopped, 8)
	restoreStarted := b.Subscribe(events.TopicDbRestoreStarted, 8)
	restoreStopped := b.Subscribe(events.TopicDbRestoreStopped, 8)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for dumpStarted != nil || dumpStopped != nil || restoreStarted != nil || restoreStopped != nil {
			var (
				evt events.Event
				ok  bool
			)
			select {
			case evt, ok = <-dumpStarted:
				if !ok {
					dumpStarted = nil
				}
			case evt, ok = <-dumpStopped:
				if !ok {
					dumpStopped = nil
				}
			case evt, ok = <-restoreStarted:
				if !ok {
					restoreStarted = nil
				}
			case evt, ok = <-restoreStopped:
				if !ok {
					restoreStopped = nil
				}
			}
			if !ok {
				continue
			}
			status, isStatus := evt.Payload.(events.DbBackupStatus)
			if !isStatus {
				continue
			}
			switch evt.Topic {
			case events.TopicDbDumpStarted:
				p.DbDumpStarted(status)
			case events.TopicDbDumpStopped:
				p.DbDumpStopped(status)
			case events.TopicDbRestoreStarted:
				p.DbRestoreStarted(status)
			case events.TopicDbRestoreStopped:
				p.DbRestoreStopped(status)
			}
		}
	}()
	return done
}
