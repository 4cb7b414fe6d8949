package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pulse/internal/stream"
)

func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Manage the streaming database schema",
	}
	cmd.AddCommand(newSetupCreateCmd(), newSetupResetCmd(), newSetupVerifyCmd())
	return cmd
}

func newSetupCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create all required streams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := streamClient(cfg.Stream)
			if err := stream.CreateStreams(cmd.Context(), client); err != nil {
				return err
			}
			fmt.Println(color.GreenString("Streams created."))
			return nil
		},
	}
}

func newSetupResetCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and recreate all streams",
		Long:  "Deletes every stored message, log, and memory. This cannot be undone.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force && !confirm("Are you sure you want to delete all data? This cannot be undone.") {
				fmt.Println(color.YellowString("Cancelled."))
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := streamClient(cfg.Stream)

			fmt.Println(color.RedString("Resetting streams..."))
			if err := stream.DropStreams(cmd.Context(), client); err != nil {
				return err
			}
			if err := stream.CreateStreams(cmd.Context(), client); err != nil {
				return err
			}
			fmt.Println(color.GreenString("Reset complete."))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}

func newSetupVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check which streams exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := streamClient(cfg.Stream)

			status := stream.VerifyStreams(cmd.Context(), client)
			allOK := true
			for name, ok := range status {
				mark := color.GreenString("ok")
				if !ok {
					mark = color.RedString("missing")
					allOK = false
				}
				fmt.Printf("%-12s %s\n", name, mark)
			}
			if !allOK {
				return fmt.Errorf("missing streams, run `pulse setup create`")
			}
			return nil
		},
	}
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
