// Package chat is the Twitch chat adapter.
//
// A Client joins the broadcaster's channel over IRC and provides:
//   - Post: renders end-of-stream, new follower and new subscriber notices into chat.
//   - ToggleStreamIntervals: while the broadcaster is live, posts the configured
//     timed messages round-robin on a ticker.
//   - chat commands (!discord, !twitter and any configured extras) answered with
//     canned replies.
//
// Credentials: the IRC client requires a bot username and an OAuth token with
// chat:read/chat:edit scopes (TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN).
package chat
