package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-render/pkg/filter"
	"github.com/polisai/polis-render/pkg/resource"
	"github.com/polisai/polis-render/pkg/transform"
)

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render [input]",
		Short: "Run one transform over a file or standard input",
		Long: `Compile a transform from a resource root and run it once over the input
document, writing the result to standard output. The input is read from
standard input when no file is given or the file is "-".`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRender,
	}
	cmd.Flags().StringP("transform", "t", "", "Logical path of the transform under the resource root (required)")
	cmd.Flags().StringP("root", "r", ".", "Resource root directory")
	cmd.Flags().Bool("media-type", false, "Print the resolved media type to standard error")
	_ = cmd.MarkFlagRequired("transform")
	return cmd
}

func runRender(cmd *cobra.Command, args []string) error {
	transformPath, _ := cmd.Flags().GetString("transform")
	root, _ := cmd.Flags().GetString("root")
	showMediaType, _ := cmd.Flags().GetBool("media-type")

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("resource root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("resource root %s is not a directory", root)
	}
	resolver := resource.NewResolver(resource.Single(os.DirFS(root)))

	sourcePath, err := resource.ResolvePath(resource.NormalizeBase(transformPath), "/")
	if err != nil {
		return err
	}
	res, found, err := resolver.Resolve(sourcePath, "/")
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("transform %s not found under %s", transformPath, root)
	}

	prog, err := transform.Compile(cmd.Context(), res.Data, res.Path, resolver)
	if err != nil {
		return err
	}

	input, err := readInput(cmd, args)
	if err != nil {
		return err
	}

	out, err := prog.Instantiate().Run(cmd.Context(), input, resolver)
	if err != nil {
		return err
	}

	if showMediaType {
		fmt.Fprintln(cmd.ErrOrStderr(), filter.ResolveMediaType(prog.Output()))
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return data, nil
}
