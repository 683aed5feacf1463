package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/liger-go/liger/envconfig"
	"github.com/liger-go/liger/fs/hf"
	"github.com/liger-go/liger/logutil"
	"github.com/liger-go/liger/ml"
	"github.com/liger-go/liger/model"
	_ "github.com/liger-go/liger/model/models"
	"github.com/liger-go/liger/runner"
	"github.com/liger-go/liger/sample"
	"github.com/liger-go/liger/version"
)

// modelPath resolves name to a checkpoint directory, looking under the
// models directory when name does not exist as given.
func modelPath(name string) string {
	if _, err := os.Stat(name); err == nil || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(envconfig.Models(), name)
}

// parseTokens reads comma or space separated token ids.
func parseTokens(s string) ([]int32, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})

	tokens := make([]int32, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", f, err)
		}
		tokens = append(tokens, int32(n))
	}
	return tokens, nil
}

func RunHandler(cmd *cobra.Command, args []string) error {
	prompt, _ := cmd.Flags().GetString("prompt")
	if prompt == "" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		prompt = string(b)
	}

	tokens, err := parseTokens(prompt)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return errors.New("no prompt tokens")
	}

	stopFlag, _ := cmd.Flags().GetString("stop")
	stop, err := parseTokens(stopFlag)
	if err != nil {
		return err
	}

	var opts sample.Options
	opts.Temperature, _ = cmd.Flags().GetFloat32("temperature")
	opts.TopK, _ = cmd.Flags().GetInt("top-k")
	opts.TopP, _ = cmd.Flags().GetFloat32("top-p")
	opts.MinP, _ = cmd.Flags().GetFloat32("min-p")
	if cmd.Flags().Changed("seed") {
		seed, _ := cmd.Flags().GetUint64("seed")
		opts.Seed = &seed
	}

	sampler, err := sample.New(opts)
	if err != nil {
		return err
	}

	m, err := model.New(modelPath(args[0]))
	if err != nil {
		return err
	}

	r := runner.New(m,
		ml.WithWorkers(int(envconfig.NumThreads())),
		ml.WithTraining(envconfig.Training()),
	)

	numPredict, _ := cmd.Flags().GetInt("num-predict")
	out := cmd.OutOrStdout()
	resp, err := r.NewSession().Generate(cmd.Context(), runner.Request{
		Prompt:     tokens,
		NumPredict: numPredict,
		Stop:       stop,
		Sampler:    sampler,
		Sink:       logutil.NewOnceSink(nil),
	}, func(token int32) error {
		_, err := fmt.Fprintln(out, token)
		return err
	})
	if err != nil {
		return err
	}

	slog.Debug("generation done", "tokens", len(resp.Tokens), "reason", resp.DoneReason)
	return nil
}

func ShowHandler(cmd *cobra.Command, args []string) error {
	c, err := hf.Open(modelPath(args[0]))
	if err != nil {
		return err
	}

	kv := c.Config().(hf.KV)
	arch := kv.Architecture()

	var data [][]string
	data = append(data, []string{"architecture", arch})
	data = append(data, []string{"supported", strconv.FormatBool(slices.Contains(model.Architectures(), arch))})
	data = append(data, []string{"tensors", strconv.Itoa(c.Len())})
	for key := range kv.Keys() {
		data = append(data, []string{key, fmt.Sprint(kv.Value(key))})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"KEY", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "liger",
		Short: "Hybrid linear attention language model runner",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			if show, _ := cmd.Flags().GetBool("version"); show {
				fmt.Fprintln(cmd.OutOrStdout(), "liger version is", version.Version)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	runCmd := &cobra.Command{
		Use:   "run MODEL",
		Short: "Generate tokens from a prompt of token ids",
		Args:  cobra.ExactArgs(1),
		RunE:  RunHandler,
	}

	runCmd.Flags().String("prompt", "", "Prompt token ids, comma separated (default: read from stdin)")
	runCmd.Flags().Int("num-predict", 32, "Maximum number of tokens to generate")
	runCmd.Flags().String("stop", "", "Token ids that end generation, comma separated")
	runCmd.Flags().Float32("temperature", 0, "Sampling temperature; 0 is greedy")
	runCmd.Flags().Int("top-k", 0, "Sample from the k most likely tokens")
	runCmd.Flags().Float32("top-p", 0, "Sample from the smallest set with cumulative probability above p")
	runCmd.Flags().Float32("min-p", 0, "Drop tokens below p times the most likely token's probability")
	runCmd.Flags().Uint64("seed", 0, "Random seed")

	showCmd := &cobra.Command{
		Use:   "show MODEL",
		Short: "Show the configuration of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  ShowHandler,
	}

	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{runCmd, showCmd} {
		appendEnvDocs(cmd, []envconfig.EnvVar{envVars["LIGER_MODELS"], envVars["LIGER_DEBUG"], envVars["LIGER_NUM_THREADS"], envVars["LIGER_CHUNK_SIZE"], envVars["LIGER_TRAINING"]})
	}

	rootCmd.AddCommand(runCmd, showCmd)
	return rootCmd
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}
