package service

// helpMessage greets a room the bot was invited into and documents the
// commands it understands.
const helpMessage = `Hello! I import exported rooms back into this server.

Drop a room export (a .zip archive or the export.json itself) into this room and I will recreate the room with its full history, members, media and reactions.

Commands:
- help: show this message
- space-id <id>: set the space imported rooms are attached to
- set-admin-token <token>: rotate the admin credential used to purge old rooms (the message is redacted right away)

After a successful import I will ask whether the old room should be removed; reply "yes" in the same thread to confirm.`
