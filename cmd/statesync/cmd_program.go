package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"statesync/internal/collections"

	"github.com/spf13/cobra"
)

var (
	noteAuthor     string
	chatSender     string
	chatRole       string
	meetingTitle   string
	meetingHost    string
	meetingLink    string
	meetingAt      string
	meetingJoinAs  string
	programAreaAll bool
)

// notesCmd groups per-area note commands
var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Read and add notes for the --program",
}

var notesListCmd = &cobra.Command{
	Use:   "list [AREA]",
	Short: "List notes, for one area or all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  withSession(runNotesList),
}

var notesAddCmd = &cobra.Command{
	Use:   "add AREA TEXT...",
	Short: "Add a note to an area",
	Args:  cobra.MinimumNArgs(2),
	RunE:  withSession(runNotesAdd),
}

// chatCmd groups per-area chat commands
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Read and send chat messages for the --program",
}

var chatLogCmd = &cobra.Command{
	Use:   "log AREA",
	Short: "Print an area's chat transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runChatLog),
}

var chatSendCmd = &cobra.Command{
	Use:   "send AREA TEXT...",
	Short: "Send a chat message to an area",
	Args:  cobra.MinimumNArgs(2),
	RunE:  withSession(runChatSend),
}

// meetingsCmd groups per-area meeting commands
var meetingsCmd = &cobra.Command{
	Use:   "meetings",
	Short: "Schedule and drive meetings for the --program",
}

var meetingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every area's meeting",
	Args:  cobra.NoArgs,
	RunE:  withSession(runMeetingsList),
}

var meetingsScheduleCmd = &cobra.Command{
	Use:   "schedule AREA",
	Short: "Schedule a meeting for an area",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runMeetingsSchedule),
}

var meetingsStartCmd = &cobra.Command{
	Use:   "start AREA",
	Short: "Start an area's scheduled meeting",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runMeetingTransition("start")),
}

var meetingsJoinCmd = &cobra.Command{
	Use:   "join AREA",
	Short: "Join an area's live meeting",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runMeetingTransition("join")),
}

var meetingsEndCmd = &cobra.Command{
	Use:   "end AREA",
	Short: "End an area's live meeting",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runMeetingTransition("end")),
}

func init() {
	notesListCmd.Flags().BoolVar(&programAreaAll, "all", false, "Include areas without notes")
	notesAddCmd.Flags().StringVar(&noteAuthor, "author", "operator", "Note author")
	chatSendCmd.Flags().StringVar(&chatSender, "sender", "operator", "Message sender")
	chatSendCmd.Flags().StringVar(&chatRole, "role", "admin", "Sender role")
	meetingsScheduleCmd.Flags().StringVar(&meetingTitle, "title", "", "Meeting title")
	meetingsScheduleCmd.Flags().StringVar(&meetingHost, "host", "operator", "Meeting host")
	meetingsScheduleCmd.Flags().StringVar(&meetingLink, "link", "", "Meeting link")
	meetingsScheduleCmd.Flags().StringVar(&meetingAt, "at", "", "Start time (RFC 3339, default now)")
	meetingsJoinCmd.Flags().StringVar(&meetingJoinAs, "as", "operator", "Participant name")

	notesCmd.AddCommand(notesListCmd, notesAddCmd)
	chatCmd.AddCommand(chatLogCmd, chatSendCmd)
	meetingsCmd.AddCommand(meetingsListCmd, meetingsScheduleCmd, meetingsStartCmd, meetingsJoinCmd, meetingsEndCmd)
}

func sortedAreas[V any](m map[string]V) []string {
	areas := make([]string, 0, len(m))
	for a := range m {
		areas = append(areas, a)
	}
	sort.Strings(areas)
	return areas
}

func runNotesList(cmd *cobra.Command, args []string, s *session) error {
	stores, err := s.stores()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	all := stores.Notes.All()
	areas := sortedAreas(all)
	if len(args) == 1 {
		areas = []string{strings.TrimSpace(args[0])}
	}
	if len(areas) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No notes."))
		return nil
	}
	for _, area := range areas {
		notes := all[area]
		if len(notes) == 0 && !programAreaAll && len(args) == 0 {
			continue
		}
		fmt.Fprintln(out, keyStyle.Render(area))
		if len(notes) == 0 {
			fmt.Fprintln(out, mutedStyle.Render("  (none)"))
		}
		for _, n := range notes {
			fmt.Fprintf(out, "  - %s %s\n", n.Body, mutedStyle.Render(n.Author))
		}
	}
	return nil
}

func runNotesAdd(cmd *cobra.Command, args []string, s *session) error {
	stores, err := s.stores()
	if err != nil {
		return err
	}
	n, err := stores.Notes.Add(args[0], noteAuthor, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added note %s to %s\n", n.ID, keyStyle.Render(args[0]))
	return nil
}

func runChatLog(cmd *cobra.Command, args []string, s *session) error {
	stores, err := s.stores()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	transcript := stores.Chat.Transcript(args[0])
	if len(transcript) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No messages."))
		return nil
	}
	for _, m := range transcript {
		stamp := ""
		if !m.SentAt.IsZero() {
			stamp = m.SentAt.Local().Format("15:04")
		}
		fmt.Fprintf(out, "%s %s: %s\n", mutedStyle.Render(stamp), keyStyle.Render(m.Sender), m.Text)
	}
	return nil
}

func runChatSend(cmd *cobra.Command, args []string, s *session) error {
	stores, err := s.stores()
	if err != nil {
		return err
	}
	m, err := stores.Chat.Send(args[0], chatSender, chatRole, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", m.ID, keyStyle.Render(args[0]))
	return nil
}

func runMeetingsList(cmd *cobra.Command, args []string, s *session) error {
	stores, err := s.stores()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	all := stores.Meetings.All()
	if len(all) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No meetings."))
		return nil
	}
	for _, area := range sortedAreas(all) {
		printMeeting(cmd, all[area])
	}
	return nil
}

func runMeetingsSchedule(cmd *cobra.Command, args []string, s *session) error {
	stores, err := s.stores()
	if err != nil {
		return err
	}

	at := time.Now()
	if meetingAt != "" {
		at, err = time.Parse(time.RFC3339, meetingAt)
		if err != nil {
			return fmt.Errorf("--at must be RFC 3339: %w", err)
		}
	}
	m, err := stores.Meetings.Schedule(args[0], meetingTitle, meetingHost, meetingLink, at)
	if err != nil {
		return err
	}
	printMeeting(cmd, m)
	return nil
}

func runMeetingTransition(action string) func(*cobra.Command, []string, *session) error {
	return func(cmd *cobra.Command, args []string, s *session) error {
		stores, err := s.stores()
		if err != nil {
			return err
		}

		var m collections.Meeting
		switch action {
		case "start":
			m, err = stores.Meetings.Start(args[0])
		case "join":
			m, err = stores.Meetings.Join(args[0], meetingJoinAs)
		case "end":
			m, err = stores.Meetings.End(args[0])
		default:
			return fmt.Errorf("unknown meeting action %q", action)
		}
		if err != nil {
			return err
		}
		printMeeting(cmd, m)
		return nil
	}
}

func printMeeting(cmd *cobra.Command, m collections.Meeting) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s  %s", keyStyle.Render(m.Area), badge(string(m.Status)), m.Title)
	if !m.ScheduledFor.IsZero() {
		fmt.Fprintf(out, "  %s", mutedStyle.Render(m.ScheduledFor.Local().Format(time.RFC3339)))
	}
	if m.Link != "" {
		fmt.Fprintf(out, "  %s", m.Link)
	}
	if len(m.Participants) > 0 {
		fmt.Fprintf(out, "  [%s]", strings.Join(m.Participants, ", "))
	}
	fmt.Fprintln(out)
}
