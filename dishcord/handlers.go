package dishcord

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strings"
)

const (
	msgNothingToSave      = "You haven't generated anything to save yet. Try `/recipe` first!"
	msgNoFavorites        = "You don't have any favorites yet. Use `/save_favorite` after generating a recipe."
	msgFavoriteNotFound   = "I couldn't find that favorite. Use `/favorites` to see what you've saved."
	msgFavoriteExists     = "You already have a favorite with that title."
	msgEmptyTitle         = "A title is required."
	msgPreferencesCleared = "Your preferences have been cleared."
	msgNoPreferences      = "You don't have any preferences to clear."
	msgNoPreferenceValues = "Set at least one of: `flavor`, `favorite_dish`, `diet`, `cuisines`, `allergens`."
	msgUnsupported        = "Sorry, I can't handle that kind of interaction."

	maxQuestionLength = 2000
	maxTitleLength    = 100
)

var (
	dietOption = &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        optionDiet,
		Description: "Diet the food should fit",
		Choices:     stringChoices(DietTypes),
	}
	minPositive = float64(1)
)

// commands returns the bot's commands, in the order they're listed by
// the help command
func (d *DishCord) commands() []Command {
	minDays := float64(mealPlanMinDays)
	return []Command{
		{
			Name:        commandAsk,
			Description: "Ask the bot anything",
			Deferred:    true,
			TextArgs:    []string{optionQuestion},
			RawText:     true,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionQuestion,
					Description: "Your question",
					Required:    true,
					MaxLength:   maxQuestionLength,
				},
			},
			Handler: d.handleAsk,
		},
		{
			Name:        commandRecipe,
			Description: "Get a recipe for the ingredients you have",
			Deferred:    true,
			TextArgs:    []string{optionIngredients},
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionIngredients,
					Description: "Comma-separated ingredients",
					Required:    true,
					MaxLength:   1000,
				},
				dietOption,
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        optionMaxCalories,
					Description: "Maximum calories per serving",
					MinValue:    &minPositive,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        optionMaxPrepMinutes,
					Description: "Maximum preparation time, in minutes",
					MinValue:    &minPositive,
				},
			},
			Handler: d.handleRecipe,
		},
		{
			Name:        commandMealPlan,
			Description: "Get a meal plan for your weight goal",
			Deferred:    true,
			TextArgs:    []string{optionGoal, optionDays},
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionGoal,
					Description: "Lose, maintain or gain weight",
					Required:    true,
					Choices:     stringChoices(MealPlanGoals),
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        optionDays,
					Description: "Number of days (default 7)",
					MinValue:    &minDays,
					MaxValue:    mealPlanMaxDays,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        optionDailyCalories,
					Description: "Target calories per day",
					MinValue:    &minPositive,
				},
				dietOption,
			},
			Handler: d.handleMealPlan,
		},
		{
			Name:        commandSetPreferences,
			Description: "Set your food preferences (replaces any you've set before)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionFlavor,
					Description: "Flavors you like (ex: spicy)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionFavoriteDish,
					Description: "Your favorite dish",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionDiet,
					Description: "Your diet (ex: vegetarian)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionCuisines,
					Description: "Comma-separated favorite cuisines",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionAllergens,
					Description: "Comma-separated allergens to avoid",
				},
			},
			Handler: d.handleSetPreferences,
		},
		{
			Name:        commandPreferences,
			Description: "Show your food preferences",
			Handler:     d.handlePreferences,
		},
		{
			Name:        commandClearPreferences,
			Description: "Clear your food preferences",
			Handler:     d.handleClearPreferences,
		},
		{
			Name:        commandSaveFavorite,
			Description: "Save the last recipe or answer you got as a favorite",
			TextArgs:    []string{optionTitle},
			Options: []*discordgo.ApplicationCommandOption{
				titleOption("Title to save it under (defaults to what you asked for)", false),
			},
			Handler: d.handleSaveFavorite,
		},
		{
			Name:        commandFavorites,
			Description: "List your favorites",
			TextArgs:    []string{optionTag},
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionTag,
					Description: "Only list favorites with this tag",
				},
			},
			Handler: d.handleFavorites,
		},
		{
			Name:        commandFavorite,
			Description: "Show one of your favorites",
			TextArgs:    []string{optionTitle},
			Options: []*discordgo.ApplicationCommandOption{
				titleOption("Title of the favorite (close matches work)", true),
			},
			Handler: d.handleFavorite,
		},
		{
			Name:        commandRemoveFavorite,
			Description: "Remove one of your favorites",
			TextArgs:    []string{optionTitle},
			Options: []*discordgo.ApplicationCommandOption{
				titleOption("Title of the favorite to remove", true),
			},
			Handler: d.handleRemoveFavorite,
		},
		{
			Name:        commandRenameFavorite,
			Description: "Rename one of your favorites",
			TextArgs:    []string{optionTitle, optionNewTitle},
			Options: []*discordgo.ApplicationCommandOption{
				titleOption("Current title", true),
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionNewTitle,
					Description: "New title",
					Required:    true,
					MaxLength:   maxTitleLength,
				},
			},
			Handler: d.handleRenameFavorite,
		},
		{
			Name:        commandTagFavorite,
			Description: "Add tags to one of your favorites",
			TextArgs:    []string{optionTitle, optionTags},
			Options: []*discordgo.ApplicationCommandOption{
				titleOption("Title of the favorite", true),
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionTags,
					Description: "Comma-separated tags (ex: dinner, quick)",
					Required:    true,
				},
			},
			Handler: d.handleTagFavorite,
		},
		{
			Name:        commandPing,
			Description: "Check the bot's latency",
			Handler:     d.handlePing,
		},
		{
			Name:        commandHelp,
			Description: "List available commands",
			Handler:     d.handleHelp,
		},
	}
}

func titleOption(description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        optionTitle,
		Description: description,
		Required:    required,
		MaxLength:   maxTitleLength,
	}
}

// registerCommands adds every command to the router
func (d *DishCord) registerCommands(router *CommandRouter) error {
	var errs []error
	for _, cmd := range d.commands() {
		errs = append(errs, router.Register(cmd))
	}
	return errors.Join(errs...)
}

// userErrorMessage returns the message shown to the user for an error
// returned by a command handler
func (d *DishCord) userErrorMessage(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	var cerr *CompletionError
	if errors.As(err, &cerr) {
		return cerr.UserMessage(d.config.Discord.ErrorMessage)
	}
	switch {
	case errors.Is(err, ErrNothingToSave):
		return msgNothingToSave
	case errors.Is(err, ErrNoFavorites):
		return msgNoFavorites
	case errors.Is(err, ErrFavoriteNotFound):
		return msgFavoriteNotFound
	case errors.Is(err, ErrFavoriteExists):
		return msgFavoriteExists
	case errors.Is(err, ErrEmptyTitle):
		return msgEmptyTitle
	}
	return d.config.Discord.ErrorMessage
}

// isUserError reports whether err was caused by the user's input or
// state, rather than a failure on our end
func isUserError(err error) bool {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return true
	}
	for _, target := range []error{
		ErrNothingToSave,
		ErrNoFavorites,
		ErrFavoriteNotFound,
		ErrFavoriteExists,
		ErrEmptyTitle,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// generate sends the prompt to the completer and delivers the response.
// The response is only recorded as the user's last generated response
// if the completion succeeded.
func (d *DishCord) generate(
	ctx context.Context,
	req CommandRequest,
	r Responder,
	query string,
	messages []ChatMessage,
) error {
	content, err := d.completer.Complete(
		ctx,
		CompletionRequest{
			Messages: messages,
			UserID:   req.UserID,
			Command:  req.Name,
		},
	)
	if err != nil {
		return err
	}
	d.store.SetLastGenerated(ctx, req.UserID, query, content)
	_, err = deliver(ctx, r, content, DiscordMaxMessageLength, d.splitPolicy)
	return err
}

func (d *DishCord) handlePing(ctx context.Context, _ CommandRequest, r Responder) error {
	latency := d.discord.latency()
	return r.Send(ctx, fmt.Sprintf("Pong! Bot replied in %d ms", latency.Milliseconds()))
}

func (d *DishCord) handleAsk(ctx context.Context, req CommandRequest, r Responder) error {
	question := req.Option(optionQuestion)
	if question == "" {
		return &ValidationError{
			Field:   optionQuestion,
			Message: fmt.Sprintf("`%s` is required", optionQuestion),
		}
	}
	if len([]rune(question)) > maxQuestionLength {
		return &ValidationError{
			Field: optionQuestion,
			Message: fmt.Sprintf(
				"`%s` must be at most %d characters",
				optionQuestion,
				maxQuestionLength,
			),
		}
	}
	return d.generate(
		ctx,
		req,
		r,
		question,
		askMessages(d.config.OpenAI.SystemPrompt, question),
	)
}

func (d *DishCord) handleRecipe(ctx context.Context, req CommandRequest, r Responder) error {
	recipeReq := RecipeRequest{
		Ingredients: req.Option(optionIngredients),
		DietType:    req.Option(optionDiet),
	}
	var err error
	if recipeReq.MaxCalories, err = req.IntOption(optionMaxCalories); err != nil {
		return err
	}
	if recipeReq.MaxPrepMinutes, err = req.IntOption(optionMaxPrepMinutes); err != nil {
		return err
	}
	if err = recipeReq.Validate(); err != nil {
		return err
	}

	prefs, _ := d.store.GetPreferences(req.UserID)
	return d.generate(
		ctx,
		req,
		r,
		recipeReq.Ingredients,
		recipeMessages(d.config.OpenAI.SystemPrompt, recipeReq, prefs),
	)
}

func (d *DishCord) handleMealPlan(ctx context.Context, req CommandRequest, r Responder) error {
	planReq := MealPlanRequest{
		Goal:     req.Option(optionGoal),
		DietType: req.Option(optionDiet),
	}
	days, err := req.IntOption(optionDays)
	if err != nil {
		return err
	}
	if days != nil {
		if *days == 0 {
			return &ValidationError{
				Field:   optionDays,
				Message: fmt.Sprintf("`%s` must be at least %d", optionDays, mealPlanMinDays),
			}
		}
		planReq.Days = *days
	}
	if planReq.DailyCalories, err = req.IntOption(optionDailyCalories); err != nil {
		return err
	}
	if err = planReq.Validate(); err != nil {
		return err
	}

	prefs, _ := d.store.GetPreferences(req.UserID)
	query := fmt.Sprintf("%d day meal plan to %s weight", planReq.Days, planReq.Goal)
	return d.generate(
		ctx,
		req,
		r,
		query,
		mealPlanMessages(d.config.OpenAI.SystemPrompt, planReq, prefs),
	)
}

func (d *DishCord) handleSetPreferences(
	ctx context.Context,
	req CommandRequest,
	r Responder,
) error {
	prefs := Preferences{
		Flavor:           req.Option(optionFlavor),
		FavoriteDish:     req.Option(optionFavoriteDish),
		Diet:             req.Option(optionDiet),
		FavoriteCuisines: splitList(req.Option(optionCuisines)),
		Allergens:        splitList(req.Option(optionAllergens)),
	}
	if prefs.normalize().IsZero() {
		return &ValidationError{Message: msgNoPreferenceValues}
	}
	stored := d.store.SetPreferences(ctx, req.UserID, prefs)
	return r.Send(ctx, "Preferences saved!\n"+formatPreferences(stored))
}

func (d *DishCord) handlePreferences(ctx context.Context, req CommandRequest, r Responder) error {
	prefs, _ := d.store.GetPreferences(req.UserID)
	return r.Send(ctx, formatPreferences(prefs))
}

func (d *DishCord) handleClearPreferences(
	ctx context.Context,
	req CommandRequest,
	r Responder,
) error {
	if d.store.ClearPreferences(ctx, req.UserID) {
		return r.Send(ctx, msgPreferencesCleared)
	}
	return r.Send(ctx, msgNoPreferences)
}

func (d *DishCord) handleSaveFavorite(
	ctx context.Context,
	req CommandRequest,
	r Responder,
) error {
	fav, err := d.store.SaveFavorite(ctx, req.UserID, truncate(req.Option(optionTitle), maxTitleLength))
	if err != nil {
		return err
	}
	return r.Send(ctx, fmt.Sprintf("Saved **%s** to your favorites.", fav.Title))
}

func (d *DishCord) handleFavorites(ctx context.Context, req CommandRequest, r Responder) error {
	tag := strings.ToLower(req.Option(optionTag))
	var favs []Favorite
	if tag == "" {
		favs = d.store.ListFavorites(req.UserID)
	} else {
		favs = d.store.FavoritesWithTag(req.UserID, tag)
	}
	if len(favs) == 0 {
		if tag != "" {
			return r.Send(ctx, fmt.Sprintf("You don't have any favorites tagged `%s`.", tag))
		}
		return ErrNoFavorites
	}

	var sb strings.Builder
	sb.WriteString("**Your favorites**\n")
	for i, f := range favs {
		fmt.Fprintf(&sb, "%d. %s", i+1, f.Title)
		if len(f.Tags) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(f.Tags, ", "))
		}
		sb.WriteString("\n")
	}
	_, err := deliver(ctx, r, sb.String(), DiscordMaxMessageLength, d.splitPolicy)
	return err
}

func (d *DishCord) handleFavorite(ctx context.Context, req CommandRequest, r Responder) error {
	if len(d.store.ListFavorites(req.UserID)) == 0 {
		return ErrNoFavorites
	}
	fav, ok := d.store.FindFavorite(req.UserID, req.Option(optionTitle))
	if !ok {
		return ErrFavoriteNotFound
	}
	text := fmt.Sprintf("**%s**\n\n%s", fav.Title, fav.Body)
	_, err := deliver(ctx, r, text, DiscordMaxMessageLength, d.splitPolicy)
	return err
}

func (d *DishCord) handleRemoveFavorite(
	ctx context.Context,
	req CommandRequest,
	r Responder,
) error {
	title, err := d.resolveTitle(req.UserID, req.Option(optionTitle))
	if err != nil {
		return err
	}
	if err = d.store.RemoveFavorite(ctx, req.UserID, title); err != nil {
		return err
	}
	return r.Send(ctx, fmt.Sprintf("Removed **%s** from your favorites.", title))
}

func (d *DishCord) handleRenameFavorite(
	ctx context.Context,
	req CommandRequest,
	r Responder,
) error {
	title, err := d.resolveTitle(req.UserID, req.Option(optionTitle))
	if err != nil {
		return err
	}
	fav, err := d.store.RenameFavorite(
		ctx,
		req.UserID,
		title,
		truncate(req.Option(optionNewTitle), maxTitleLength),
	)
	if err != nil {
		return err
	}
	return r.Send(ctx, fmt.Sprintf("Renamed **%s** to **%s**.", title, fav.Title))
}

func (d *DishCord) handleTagFavorite(
	ctx context.Context,
	req CommandRequest,
	r Responder,
) error {
	tags := splitList(req.Option(optionTags))
	if len(tags) == 0 {
		return &ValidationError{
			Field:   optionTags,
			Message: fmt.Sprintf("`%s` is required", optionTags),
		}
	}
	title, err := d.resolveTitle(req.UserID, req.Option(optionTitle))
	if err != nil {
		return err
	}
	fav, err := d.store.TagFavorite(ctx, req.UserID, title, tags...)
	if err != nil {
		return err
	}
	return r.Send(
		ctx,
		fmt.Sprintf("**%s** is tagged: %s", fav.Title, strings.Join(fav.Tags, ", ")),
	)
}

func (d *DishCord) handleHelp(ctx context.Context, _ CommandRequest, r Responder) error {
	var sb strings.Builder
	sb.WriteString("**DishCord commands**\n")
	for _, cmd := range d.router.Commands() {
		fmt.Fprintf(&sb, "`/%s` - %s\n", cmd.Name, cmd.Description)
	}
	if prefix := d.config.Discord.CommandPrefix; prefix != "" {
		fmt.Fprintf(
			&sb,
			"\nCommands also work as messages starting with `%s`, like `%srecipe eggs, spinach diet=vegetarian`",
			prefix,
			prefix,
		)
	}
	_, err := deliver(ctx, r, sb.String(), DiscordMaxMessageLength, d.splitPolicy)
	return err
}

// resolveTitle maps a title to the exact title of one of the user's
// favorites, ignoring case. Unlike FindFavorite, close matches don't
// count.
func (d *DishCord) resolveTitle(userID string, title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", ErrEmptyTitle
	}
	favs := d.store.ListFavorites(userID)
	if len(favs) == 0 {
		return "", ErrNoFavorites
	}
	for _, f := range favs {
		if f.Title == title {
			return f.Title, nil
		}
	}
	for _, t := range sortedFavoriteTitles(favs) {
		if strings.EqualFold(t, title) {
			return t, nil
		}
	}
	return "", ErrFavoriteNotFound
}
