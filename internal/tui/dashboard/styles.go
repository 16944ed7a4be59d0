package dashboard

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("99")
	warningColor = lipgloss.Color("226")
	errorColor   = lipgloss.Color("196")
	mutedColor   = lipgloss.Color("245")
	accentColor  = lipgloss.Color("212")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	headerStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(mutedColor).
			MarginBottom(1)

	itemStyle = lipgloss.NewStyle().
			PaddingLeft(2)

	selectedItemStyle = lipgloss.NewStyle().
				PaddingLeft(1).
				Foreground(accentColor).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderLeft(true).
				BorderForeground(primaryColor)

	dimStyle = lipgloss.NewStyle().Foreground(mutedColor)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			BorderStyle(lipgloss.NormalBorder()).
			BorderTop(true).
			BorderForeground(mutedColor).
			MarginTop(1)

	errorBannerStyle = lipgloss.NewStyle().
				Foreground(errorColor).
				Bold(true).
				BorderStyle(lipgloss.ThickBorder()).
				BorderForeground(errorColor).
				Padding(0, 1)

	noticeStyle = lipgloss.NewStyle().Foreground(primaryColor)

	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).MarginTop(1)

	detailLabelStyle = lipgloss.NewStyle().
				Foreground(mutedColor).
				Bold(true).
				Width(14)

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true).
			Width(12)

	helpBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 3)

	confirmBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(warningColor).
			Padding(1, 3)

	confirmTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(warningColor)

	emptyStateStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true).
			PaddingTop(1).
			PaddingBottom(1)

	spinnerStyle = lipgloss.NewStyle().Foreground(primaryColor)
)
