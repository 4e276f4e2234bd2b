package errors

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/viper"
)

// DisplayError writes err to stderr with color when enabled
func DisplayError(err error) {
	DisplayErrorTo(os.Stderr, err)
}

// DisplayErrorTo formats err onto w
func DisplayErrorTo(w io.Writer, err error) {
	color.NoColor = noColor()

	var kErr *KirjuriError
	if !errors.As(err, &kErr) {
		fmt.Fprintln(w, color.RedString("Error: %v", err))
		return
	}

	colorFunc := getErrorStyle(kErr.Type)

	fmt.Fprintf(w, "\n%s\n", colorFunc(kErr.Message))

	if kErr.Cause != "" {
		fmt.Fprintf(w, "   %s %s\n", color.YellowString("Cause:"), color.HiBlackString(kErr.Cause))
	}

	if kErr.Environment != "" {
		fmt.Fprintf(w, "   %s %s\n", color.CyanString("Environment:"), color.HiBlackString(kErr.Environment))
	}

	if len(kErr.Solutions) > 0 {
		fmt.Fprintf(w, "\n   %s\n", color.GreenString("Solutions:"))
		for i, solution := range kErr.Solutions {
			fmt.Fprintf(w, "   %s %s\n", color.HiBlackString(fmt.Sprintf("%d.", i+1)), solution)
		}
	}

	if kErr.Verify != "" {
		fmt.Fprintf(w, "\n   %s %s\n", color.BlueString("Verify:"), color.HiWhiteString(kErr.Verify))
	}

	if kErr.Help != "" {
		fmt.Fprintf(w, "   %s %s\n", color.MagentaString("Help:"), color.HiWhiteString(kErr.Help))
	}

	fmt.Fprintln(w)
}

// getErrorStyle returns the appropriate color function for an error type
func getErrorStyle(errType ErrorType) func(format string, a ...interface{}) string {
	switch errType {
	case ErrorTypeConfiguration, ErrorTypeValidation:
		return color.YellowString
	case ErrorTypeSource:
		return color.CyanString
	case ErrorTypeStorage:
		return color.MagentaString
	case ErrorTypeConflict:
		return color.BlueString
	default:
		return color.RedString
	}
}

// DisplayWarning writes a warning line onto w
func DisplayWarning(w io.Writer, message string) {
	color.NoColor = noColor()
	fmt.Fprintf(w, "Warning: %s\n", color.YellowString(message))
}

// DisplaySuccess writes a success line onto w
func DisplaySuccess(w io.Writer, message string) {
	color.NoColor = noColor()
	fmt.Fprintf(w, "Success: %s\n", color.GreenString(message))
}

func noColor() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("KIRJURI_NO_COLOR") != "" {
		return true
	}
	// set by --no-color
	return viper.IsSet("output.no_color") && viper.GetBool("output.no_color")
}
