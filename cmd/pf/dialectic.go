package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/tsylvester/paynless-framework-sub011/internal/dialectic"
	"github.com/tsylvester/paynless-framework-sub011/internal/models"
)

func newDialecticCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dialectic",
		Short: "Multi-model dialectic session commands",
	}

	cmd.AddCommand(newDialecticStartCmd())
	cmd.AddCommand(newDialecticGenerateCmd())
	cmd.AddCommand(newDialecticAdvanceCmd())
	cmd.AddCommand(newDialecticStagesCmd())
	return cmd
}

func newDialecticStartCmd() *cobra.Command {
	var (
		configPath string
		p          dialectic.StartParams
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a dialectic session",
		Long: `Creates a session at its process template's starting stage and writes the
first seed prompt. A new project is created unless --project is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDialecticStart(cmd, configPath, p)
		},
	}

	addConfigFlag(cmd, &configPath)
	addUserFlag(cmd, &p.UserID)
	cmd.Flags().StringVar(&p.ProjectID, "project", "", "existing project id")
	cmd.Flags().StringVar(&p.ProjectName, "name", "", "project name for a new project")
	cmd.Flags().StringVar(&p.InitialUserPrompt, "prompt", "", "initial user prompt for a new project")
	cmd.Flags().StringVar(&p.ProcessTemplate, "template", "", "process template id or name for a new project")
	cmd.Flags().StringVar(&p.SessionDescription, "description", "", "session description")
	cmd.Flags().StringSliceVarP(&p.SelectedModelIDs, "models", "m", nil, "AI provider ids to run (comma separated)")
	cmd.Flags().StringVar(&p.AssociatedChatID, "chat", "", "chat id to associate with the session")
	return cmd
}

func runDialecticStart(cmd *cobra.Command, configPath string, p dialectic.StartParams) error {
	out := cmd.OutOrStdout()

	svc, err := loadServices(configPath)
	if err != nil {
		return err
	}
	s, err := svc.dialectic.StartSession(context.Background(), p)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Started session %s (project %s)\n", idStyle.Render(s.ID), s.ProjectID)
	fmt.Fprintf(out, "Status: %s\n", s.Status)
	return nil
}

func newDialecticGenerateCmd() *cobra.Command {
	var (
		configPath string
		p          dialectic.GenerateParams
	)

	cmd := &cobra.Command{
		Use:   "generate <session-id>",
		Short: "Run every selected model on the session's stage",
		Long: `Sends the stage seed prompt to every selected model concurrently and
stores each reply as a contribution. Succeeds when at least one model does.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.SessionID = args[0]
			return runDialecticGenerate(cmd, configPath, p)
		},
	}

	addConfigFlag(cmd, &configPath)
	addUserFlag(cmd, &p.UserID)
	cmd.Flags().StringVar(&p.StageSlug, "stage", "", "stage slug (defaults to the session's current stage)")
	cmd.Flags().IntVar(&p.IterationNumber, "iteration", 0, "iteration number (defaults to the session's)")
	cmd.Flags().StringSliceVarP(&p.SelectedModelIDs, "models", "m", nil, "override the session's selected models")
	return cmd
}

func runDialecticGenerate(cmd *cobra.Command, configPath string, p dialectic.GenerateParams) error {
	ctx := context.Background()

	svc, err := loadServices(configPath)
	if err != nil {
		return err
	}
	if p.StageSlug == "" {
		s, err := svc.dialectic.Session(ctx, p.SessionID, p.UserID)
		if err != nil {
			return err
		}
		var stage models.DialecticStage
		if err := svc.db.WithContext(ctx).Where("id = ?", s.CurrentStageID).First(&stage).Error; err != nil {
			return fmt.Errorf("load current stage of session %s: %w", s.ID, err)
		}
		p.StageSlug = stage.Slug
	}

	res, err := svc.dialectic.GenerateContributions(ctx, p)
	if res != nil {
		printGenerateResult(cmd.OutOrStdout(), res)
	}
	return err
}

func printGenerateResult(out io.Writer, res *dialectic.GenerateResult) {
	for _, c := range res.Contributions {
		fmt.Fprintf(out, "%s %-24s %s in/%s out  %s\n",
			okStyle.Render("ok  "), c.ModelName,
			formatTokenCount(int64(c.TokensUsedInput)), formatTokenCount(int64(c.TokensUsedOutput)),
			idStyle.Render(c.StoragePath+"/"+c.FileName))
	}
	for _, f := range res.Failures {
		name := f.ModelName
		if name == "" {
			name = f.ModelID
		}
		fmt.Fprintf(out, "%s %-24s %s: %s\n", failStyle.Render("fail"), name, f.Code, f.Error)
	}
	fmt.Fprintf(out, "Status: %s\n", res.Status)
}

func newDialecticAdvanceCmd() *cobra.Command {
	var (
		configPath string
		p          dialectic.AdvanceParams
	)

	cmd := &cobra.Command{
		Use:   "advance <session-id>",
		Short: "Move a completed session to its next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.SessionID = args[0]
			return runDialecticAdvance(cmd, configPath, p)
		},
	}

	addConfigFlag(cmd, &configPath)
	addUserFlag(cmd, &p.UserID)
	cmd.Flags().StringVar(&p.Feedback, "feedback", "", "feedback appended to the next seed prompt")
	return cmd
}

func runDialecticAdvance(cmd *cobra.Command, configPath string, p dialectic.AdvanceParams) error {
	svc, err := loadServices(configPath)
	if err != nil {
		return err
	}
	s, err := svc.dialectic.AdvanceStage(context.Background(), p)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s is now %s\n", idStyle.Render(s.ID), s.Status)
	return nil
}

func newDialecticStagesCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "stages <session-id>",
		Short: "List the stages a session can navigate to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDialecticStages(cmd, configPath, args[0], userID)
		},
	}

	addConfigFlag(cmd, &configPath)
	addUserFlag(cmd, &userID)
	return cmd
}

func runDialecticStages(cmd *cobra.Command, configPath, sessionID, userID string) error {
	out := cmd.OutOrStdout()

	svc, err := loadServices(configPath)
	if err != nil {
		return err
	}
	stages, err := svc.dialectic.NavigableStages(context.Background(), sessionID, userID)
	if err != nil {
		return err
	}
	for i, s := range stages {
		marker := " "
		if i == 0 {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %-16s %s\n", marker, s.Slug, s.DisplayName)
	}
	return nil
}
