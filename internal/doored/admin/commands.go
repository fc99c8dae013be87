package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/doored/doored/internal/doored/audit"
	"github.com/doored/doored/internal/doored/store"
	"github.com/doored/doored/internal/doored/types"
)

// matchWord reports whether tok is a prefix abbreviation of word, or
// one of the extra aliases. Commands are case-insensitive.
func matchWord(tok, word string, aliases ...string) bool {
	if tok == "" {
		return false
	}
	for _, a := range aliases {
		if tok == a {
			return true
		}
	}
	return strings.HasPrefix(word, tok)
}

func isAbort(line string) bool {
	tok := strings.ToLower(strings.TrimSpace(line))
	if tok == "" {
		return false
	}
	// Bare "a" stays reserved for "access".
	return matchWord(tok, "cancel") || (tok != "a" && matchWord(tok, "abort"))
}

// dispatch executes one command line. It returns false when the
// session should end.
func (s *session) dispatch(ctx context.Context, line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return true
	}
	tok := strings.ToLower(args[0])

	switch {
	case matchWord(tok, "help", "?"):
		s.cmdHelp()

	case matchWord(tok, "whoami"):
		s.cmdKeyShow(s.loginKey.ID)

	case matchWord(tok, "key"):
		return s.dispatchKey(ctx, args)

	case tok == "a" || matchWord(tok, "access", "x", "xs"):
		return s.dispatchAccess(ctx, args)

	case isAbort(line):
		// Nothing armed at the idle prompt; just reprompt.

	case matchWord(tok, "door"):
		return s.dispatchDoor(ctx, args)

	case matchWord(tok, "quit") || matchWord(tok, "exit") || matchWord(tok, "bye"):
		s.write("Bye.\n")
		return false

	default:
		s.write(notUnderstood)
	}
	return true
}

func (s *session) dispatchKey(ctx context.Context, args []string) bool {
	sub := ""
	if len(args) > 1 {
		sub = strings.ToLower(args[1])
	}

	switch {
	case matchWord(sub, "list"):
		s.cmdKeyList()

	case matchWord(sub, "show"):
		if len(args) > 2 {
			s.cmdKeyShow(args[2])
		} else if id, ok := s.bindNextScan(ctx); ok {
			s.cmdKeyShow(id)
		}

	case matchWord(sub, "init"):
		if len(args) < 3 {
			s.write(notUnderstood)
			break
		}
		s.cmdKeyInit(ctx, args[2])

	case matchWord(sub, "generate"):
		s.cmdKeyGenerate(ctx)

	case matchWord(sub, "rename"):
		switch {
		case len(args) > 3:
			s.cmdKeyRename(ctx, args[3], args[2])
		case len(args) == 3:
			if id, ok := s.bindNextScan(ctx); ok {
				s.cmdKeyRename(ctx, id, args[2])
			}
		default:
			s.write(notUnderstood)
		}

	case matchWord(sub, "delete"):
		if len(args) < 3 {
			s.write(notUnderstood)
			break
		}
		s.cmdKeyDelete(ctx, args[2])

	default:
		s.write(notUnderstood)
	}
	return true
}

func (s *session) dispatchAccess(ctx context.Context, args []string) bool {
	sub := ""
	if len(args) > 1 {
		sub = strings.ToLower(args[1])
	}

	switch {
	case matchWord(sub, "grant"):
		switch {
		case len(args) > 4:
			s.cmdGrant(ctx, args[4], args[2], args[3])
		case len(args) == 4:
			if id, ok := s.bindNextScan(ctx); ok {
				s.cmdGrant(ctx, id, args[2], args[3])
			}
		default:
			s.write(notUnderstood)
		}

	case matchWord(sub, "revoke"):
		switch {
		case len(args) > 3:
			s.cmdRevoke(ctx, args[3], args[2])
		case len(args) == 3:
			if id, ok := s.bindNextScan(ctx); ok {
				s.cmdRevoke(ctx, id, args[2])
			}
		default:
			s.write(notUnderstood)
		}

	default:
		s.write(notUnderstood)
	}
	return true
}

func (s *session) dispatchDoor(ctx context.Context, args []string) bool {
	if len(args) < 4 || !matchWord(strings.ToLower(args[1]), "rename") {
		s.write(notUnderstood)
		return true
	}
	s.cmdDoorRename(ctx, args[3], args[2])
	return true
}

// bindNextScan leases the admin reader and resolves to the id of the
// next scanned key, or reports abort/disconnect.
func (s *session) bindNextScan(ctx context.Context) (string, bool) {
	lease, err := s.srv.doors.Admin().AcquireBind()
	if err != nil {
		s.writef("Reader unavailable: %v\n", err)
		return "", false
	}
	ev, ok := s.awaitLease(ctx, lease, true)
	if !ok {
		return "", false
	}
	return ev.KeyID, true
}

// ── Commands ────────────────────────────────────────────────────────────────

func (s *session) cmdHelp() {
	rows := [][2]string{
		{"help", "This message."},
		{"whoami", "Show info about the key used to log in."},
		{"key list", "Show all keys."},
		{"key show [<id> | <name>]", "Show info about <id>, <name>, or key on reader."},
		{"key init <name>", "Initialise key on the reader and assign a name to it."},
		{"", "Writes new secret and resets door access list to default."},
		{"key generate", "Write a new secret to the key on the reader."},
		{"key rename <new_name> [<id> | <name>]", "Rename key."},
		{"key delete <id> | <name>", "Delete key from the system."},
		{"access grant <door> <level> [<id> | <name>]", "Grant access to <door> at <level> for <id>, <name>, or key on reader."},
		{"access revoke <door> [<id> | <name>]", "Revoke access to <door> for <id>, <name>, or key on reader."},
		{"door rename <new_name> <door>", "Rename door."},
		{"abort / cancel", "Cancel reading a key at a (o) prompt."},
		{"quit / exit / bye", "Leave session."},
	}

	s.write("Commands:\n")
	for _, r := range rows {
		s.writef("  %-45s%s\n", r[0], r[1])
	}

	s.write("\nAccess levels:\n")
	levels := [][2]string{
		{"0: no access", ""},
		{"1: user access", "Can open door."},
		{"2: admin access", "Can give user access to next authenticated key while door is open."},
		{"3: root access", "Can give admin access to next authenticated key while door is open."},
	}
	for _, r := range levels {
		s.writef("  %-25s%s\n", r[0], r[1])
	}
}

// keyHeader prints the column header of the key table: one column per
// configured door, in registry order.
func (s *session) keyHeader() {
	var doors strings.Builder
	for _, c := range s.srv.doors.All() {
		fmt.Fprintf(&doors, "%4s", c.ID())
	}
	s.writef("%-16s  %-16s  Door:%s\n", "Key ID", "Name", doors.String())
	s.write(strings.Repeat("-", 72) + "\n")
}

func (s *session) keyEntry(k types.Key) {
	access := s.srv.store.AccessAll(k.ID)
	var cols strings.Builder
	for _, c := range s.srv.doors.All() {
		if lvl := access[c.ID()]; lvl > types.LevelNone {
			fmt.Fprintf(&cols, "%4d", int(lvl))
		} else {
			cols.WriteString("   .")
		}
	}
	s.writef("%-16s  %-16s       %s\n", k.ID, k.Name, cols.String())
}

func (s *session) cmdKeyShow(idOrName string) {
	k, ok := s.srv.store.Key(idOrName)
	if !ok {
		s.writef("Key not found: %s\n", idOrName)
		return
	}
	s.keyHeader()
	s.keyEntry(k)
}

func (s *session) cmdKeyList() {
	s.keyHeader()
	for _, k := range s.srv.store.Keys() {
		s.keyEntry(k)
	}
}

// cmdKeyInit provisions the next scanned key: new secret, the given
// name, and the default access baseline.
func (s *session) cmdKeyInit(ctx context.Context, name string) {
	st := s.srv.store
	if other, ok := st.Key(name); ok && other.Name == name {
		s.writef("Name is already taken: %s. Pick something else.\n", name)
		return
	}

	lease, err := s.srv.doors.Admin().AcquireGenerate()
	if err != nil {
		s.writef("Reader unavailable: %v\n", err)
		return
	}
	ev, ok := s.awaitLease(ctx, lease, true)
	if !ok {
		return
	}
	if !ev.OK {
		s.write("Init failed. Try again!\n")
		return
	}

	if other, ok := st.Key(name); ok && other.ID != ev.KeyID {
		s.writef("Name is already taken: %s. Pick something else.\n", name)
		return
	}
	k, err := st.RenameKey(ev.KeyID, name)
	if err != nil {
		s.reportStoreError(err)
		return
	}
	st.ResetAccess(k.ID)

	s.srv.audit.Record(ctx, audit.Event{
		KeyID: k.ID, Actor: s.loginKey.Label(), Kind: audit.KindKeyInit, Granted: true,
	})
	s.writef("Key %s was initialised and assigned to %s.\n", k.ID, k.Name)
}

// cmdKeyGenerate rewrites the secret of the next scanned key without
// touching its name or access.
func (s *session) cmdKeyGenerate(ctx context.Context) {
	lease, err := s.srv.doors.Admin().AcquireGenerate()
	if err != nil {
		s.writef("Reader unavailable: %v\n", err)
		return
	}
	ev, ok := s.awaitLease(ctx, lease, true)
	if !ok {
		return
	}
	if !ev.OK {
		s.write("Secret generation failed. Try again!\n")
		return
	}

	k, _ := s.srv.store.Key(ev.KeyID)
	if k.ID == "" {
		k = types.Key{ID: ev.KeyID}
	}
	s.srv.audit.Record(ctx, audit.Event{
		KeyID: k.ID, Actor: s.loginKey.Label(), Kind: audit.KindSecret, Granted: true,
	})
	s.writef("New secret written to key %s.\n", k.Label())
}

func (s *session) cmdKeyRename(ctx context.Context, idOrName, newName string) {
	k, err := s.srv.store.RenameKey(idOrName, newName)
	if err != nil {
		s.reportStoreError(err)
		return
	}
	s.srv.audit.Record(ctx, audit.Event{
		KeyID: k.ID, Actor: s.loginKey.Label(), Kind: audit.KindKeyRename,
		Granted: true, Detail: newName,
	})
	s.writef("Key %s renamed to %s.\n", idOrName, newName)
}

func (s *session) cmdKeyDelete(ctx context.Context, idOrName string) {
	k, err := s.srv.store.RemoveKey(idOrName)
	if err != nil {
		s.reportStoreError(err)
		return
	}
	s.srv.audit.Record(ctx, audit.Event{
		KeyID: k.ID, Actor: s.loginKey.Label(), Kind: audit.KindKeyDelete, Granted: true,
	})
	s.writef("Key %s removed from the system.\n", k.Label())
}

func (s *session) cmdGrant(ctx context.Context, keyIDOrName, doorIDOrName, levelTok string) {
	level, err := types.ParseAccessLevel(levelTok)
	if err != nil {
		s.writef("Invalid access level: %s. Use 0-3 or none|user|admin|root.\n", levelTok)
		return
	}

	k, d, err := s.srv.store.SetAccess(keyIDOrName, doorIDOrName, level)
	if err != nil {
		s.reportStoreError(err)
		return
	}
	s.srv.audit.Record(ctx, audit.Event{
		DoorID: d.ID, KeyID: k.ID, Actor: s.loginKey.Label(),
		Kind: audit.KindGrant, Granted: true, Detail: level.String(),
	})
	s.writef("Access granted to %s for door %s at level %s.\n", k.Label(), d.Label(), level)
}

func (s *session) cmdRevoke(ctx context.Context, keyIDOrName, doorIDOrName string) {
	k, d, err := s.srv.store.SetAccess(keyIDOrName, doorIDOrName, types.LevelNone)
	if err != nil {
		s.reportStoreError(err)
		return
	}
	s.srv.audit.Record(ctx, audit.Event{
		DoorID: d.ID, KeyID: k.ID, Actor: s.loginKey.Label(),
		Kind: audit.KindRevoke, Granted: true,
	})
	s.writef("Access revoked from %s for door %s.\n", k.Label(), d.Label())
}

func (s *session) cmdDoorRename(ctx context.Context, doorIDOrName, newName string) {
	d, err := s.srv.store.RenameDoor(doorIDOrName, newName)
	if err != nil {
		s.reportStoreError(err)
		return
	}
	s.srv.audit.Record(ctx, audit.Event{
		DoorID: d.ID, Actor: s.loginKey.Label(), Kind: audit.KindDoorName,
		Granted: true, Detail: newName,
	})
	s.writef("Door %s renamed to %s.\n", doorIDOrName, newName)
}

// reportStoreError turns store failures into operator-facing lines.
func (s *session) reportStoreError(err error) {
	var nf *store.NotFoundError
	switch {
	case errors.As(err, &nf):
		s.writef("%s not found: %s\n", firstUpper(nf.What), nf.Ref)
	case errors.Is(err, store.ErrNameInUse):
		s.write("Name is already in use. Pick a different one.\n")
	case errors.Is(err, store.ErrBadName):
		s.writef("Invalid name. Key names are at most %d characters, door names %d.\n",
			types.MaxKeyNameLen, types.MaxDoorNameLen)
	case errors.Is(err, types.ErrInvalidLevel):
		s.write("Invalid access level. Use 0-3 or none|user|admin|root.\n")
	default:
		s.writef("Error: %v\n", err)
	}
}

func firstUpper(msg string) string {
	if msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
