package dishcord

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func noopHandler(context.Context, CommandRequest, Responder) error {
	return nil
}

func stringOption(name string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type: discordgo.ApplicationCommandOptionString,
		Name: name,
	}
}

func TestCommandRouter_Register(t *testing.T) {
	router := NewCommandRouter()
	require.NoError(t, router.Register(Command{Name: "recipe", Handler: noopHandler}))
	require.NoError(t, router.Register(Command{Name: "ask", Handler: noopHandler}))

	err := router.Register(Command{Name: " Recipe ", Handler: noopHandler})
	require.ErrorIs(t, err, ErrDuplicateCommand)
	assert.Contains(t, err.Error(), "recipe")

	assert.Len(t, router.Commands(), 2)
	assert.Equal(t, "recipe", router.Commands()[0].Name)
	assert.Equal(t, "ask", router.Commands()[1].Name)

	cmd, ok := router.Lookup("RECIPE")
	require.True(t, ok)
	assert.Equal(t, "recipe", cmd.Name)

	_, ok = router.Lookup("missing")
	assert.False(t, ok)
}

func TestCommandRouter_RegisterInvalid(t *testing.T) {
	router := NewCommandRouter()

	assert.Error(t, router.Register(Command{Name: "  ", Handler: noopHandler}))
	assert.Error(t, router.Register(Command{Name: "nohandler"}))
	assert.Error(
		t,
		router.Register(
			Command{
				Name:     "badargs",
				TextArgs: []string{"missing"},
				Handler:  noopHandler,
			},
		),
	)
	assert.Empty(t, router.Commands())
}

func TestDishCord_CommandsRegistered(t *testing.T) {
	d := &DishCord{config: DefaultConfig()}
	router := NewCommandRouter()
	require.NoError(t, d.registerCommands(router))

	expected := []string{
		commandAsk,
		commandRecipe,
		commandMealPlan,
		commandSetPreferences,
		commandPreferences,
		commandClearPreferences,
		commandSaveFavorite,
		commandFavorites,
		commandFavorite,
		commandRemoveFavorite,
		commandRenameFavorite,
		commandTagFavorite,
		commandPing,
		commandHelp,
	}
	var names []string
	for _, cmd := range router.Commands() {
		names = append(names, cmd.Name)
	}
	assert.Equal(t, expected, names)

	// a second registration of the same set must fail for every command
	err := d.registerCommands(router)
	require.ErrorIs(t, err, ErrDuplicateCommand)

	appCommands := router.ApplicationCommands()
	require.Len(t, appCommands, len(expected))
	for _, ac := range appCommands {
		assert.NotEmpty(t, ac.Description, ac.Name)
		assert.LessOrEqual(t, len(ac.Description), 100, ac.Name)
		assert.Equal(t, discordgo.ChatApplicationCommand, ac.Type)
	}
}

func TestCommandRouter_ParseText(t *testing.T) {
	router := NewCommandRouter()
	require.NoError(
		t,
		router.Register(
			Command{
				Name:     "recipe",
				TextArgs: []string{optionIngredients},
				Options: []*discordgo.ApplicationCommandOption{
					stringOption(optionIngredients),
					stringOption(optionDiet),
				},
				Handler: noopHandler,
			},
		),
	)
	require.NoError(
		t,
		router.Register(
			Command{
				Name:     "ask",
				TextArgs: []string{optionQuestion},
				RawText:  true,
				Options:  []*discordgo.ApplicationCommandOption{stringOption(optionQuestion)},
				Handler:  noopHandler,
			},
		),
	)
	require.NoError(
		t,
		router.Register(
			Command{
				Name:     "rename_favorite",
				TextArgs: []string{optionTitle, optionNewTitle},
				Options: []*discordgo.ApplicationCommandOption{
					stringOption(optionTitle),
					stringOption(optionNewTitle),
				},
				Handler: noopHandler,
			},
		),
	)

	testCases := []struct {
		name        string
		content     string
		wantName    string
		wantOptions map[string]string
		wantOK      bool
		wantErr     error
	}{
		{
			name:    "no prefix",
			content: "recipe eggs",
		},
		{
			name:    "prefix only",
			content: "!",
		},
		{
			name:    "unknown command",
			content: "!dance now",
			wantOK:  true,
			wantErr: ErrUnknownCommand,
		},
		{
			name:        "no arguments",
			content:     "!recipe",
			wantName:    "recipe",
			wantOptions: map[string]string{},
			wantOK:      true,
		},
		{
			name:        "positional arguments are joined",
			content:     "!recipe eggs, spinach, feta",
			wantName:    "recipe",
			wantOptions: map[string]string{optionIngredients: "eggs, spinach, feta"},
			wantOK:      true,
		},
		{
			name:     "named option",
			content:  "!Recipe eggs, spinach diet=vegetarian",
			wantName: "recipe",
			wantOptions: map[string]string{
				optionIngredients: "eggs, spinach",
				optionDiet:        "vegetarian",
			},
			wantOK: true,
		},
		{
			name:        "unknown key is positional",
			content:     "!recipe eggs color=green",
			wantName:    "recipe",
			wantOptions: map[string]string{optionIngredients: "eggs color=green"},
			wantOK:      true,
		},
		{
			name:     "quoted arguments",
			content:  `!rename_favorite "Spicy Eggs" "Breakfast Eggs"`,
			wantName: "rename_favorite",
			wantOptions: map[string]string{
				optionTitle:    "Spicy Eggs",
				optionNewTitle: "Breakfast Eggs",
			},
			wantOK: true,
		},
		{
			name:        "raw text keeps quotes and equals",
			content:     `!ask what's a good "sub" for x=eggs?`,
			wantName:    "ask",
			wantOptions: map[string]string{optionQuestion: `what's a good "sub" for x=eggs?`},
			wantOK:      true,
		},
		{
			name:        "newline after name",
			content:     "!ask\nwhat is umami?",
			wantName:    "ask",
			wantOptions: map[string]string{optionQuestion: "what is umami?"},
			wantOK:      true,
		},
		{
			name:        "tab after name",
			content:     "!recipe\teggs",
			wantName:    "recipe",
			wantOptions: map[string]string{optionIngredients: "eggs"},
			wantOK:      true,
		},
		{
			name:        "whitespace after prefix",
			content:     "! \nrecipe eggs",
			wantName:    "recipe",
			wantOptions: map[string]string{optionIngredients: "eggs"},
			wantOK:      true,
		},
		{
			name:        "unbalanced quote",
			content:     "!recipe chef's eggs",
			wantName:    "recipe",
			wantOptions: map[string]string{optionIngredients: "chef's eggs"},
			wantOK:      true,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				name, options, ok, err := router.ParseText("!", tc.content)
				assert.Equal(t, tc.wantOK, ok)
				if tc.wantErr != nil {
					require.ErrorIs(t, err, tc.wantErr)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.wantName, name)
				assert.Equal(t, tc.wantOptions, options)
			},
		)
	}
}

func TestCommandRequest_IntOption(t *testing.T) {
	req := CommandRequest{
		Options: map[string]string{
			optionDays:        " 3 ",
			optionMaxCalories: "lots",
		},
	}

	days, err := req.IntOption(optionDays)
	require.NoError(t, err)
	require.NotNil(t, days)
	assert.Equal(t, 3, *days)

	missing, err := req.IntOption(optionDailyCalories)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = req.IntOption(optionMaxCalories)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "`max_calories` must be a whole number", verr.Message)
}

func TestInteractionOptions(t *testing.T) {
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: commandRecipe,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  optionIngredients,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: "eggs",
					},
					{
						Name:  optionMaxCalories,
						Type:  discordgo.ApplicationCommandOptionInteger,
						Value: float64(500),
					},
				},
			},
		},
	}
	assert.Equal(
		t,
		map[string]string{optionIngredients: "eggs", optionMaxCalories: "500"},
		interactionOptions(i),
	)
}
