// Package dishcord implements a Discord bot that generates recipes and meal
// plans through an OpenAI chat completion model, and keeps track of each
// user's food preferences and favorite recipes.
//
// Key components of the package include:
//
//   - DishCord: The main struct, which wires everything together and runs the bot.
//   - Discord: Handles the Discord session, command registration and replies.
//   - OpenAI: Implements Completer against the chat completion API.
//   - Store: Holds user preferences, favorites and the last generated response,
//     persisted through a Persister (a JSON file, or a SQL database).
//   - CommandRouter: Maps command names to handlers, for both slash commands
//     and '!'-prefixed text commands.
//   - API: A small admin API for inspecting and editing user state.
//
// Responses longer than Discord's message length limit are delivered as
// multiple messages, split on line and sentence boundaries where possible
// (see Chunks).
package dishcord
