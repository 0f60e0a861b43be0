package template

import "dayroutine/internal/model"

var defaultActivities = []model.Activity{
	{ID: "morning-wakeup-fajr", Time: "5:30 AM", Description: "Wakeup, Brush & Fajr Namaz", Icon: "⏰🦷🕌", Section: model.SectionMorning},
	{ID: "morning-bath", Time: "06:00 - 06:30 AM", Description: "Bath Time", Icon: "🛀", Section: model.SectionMorning},
	{ID: "morning-books-reading", Time: "6:30 - 07:00 AM", Description: "Books Reading", Icon: "📚", Section: model.SectionMorning},
	{ID: "morning-writing", Time: "07:00 - 07:30 AM", Description: "Writing Practice", Icon: "✍️", Section: model.SectionMorning},
	{ID: "morning-breakfast-homework", Time: "07:30 - 08:30 AM", Description: "Breakfast & School Homework", Icon: "🍳🏫📝", Section: model.SectionMorning},
	{ID: "morning-get-ready", Time: "08:30 - 09:00 AM", Description: "Get Ready for School", Icon: "🎒", Section: model.SectionMorning},
	{ID: "afternoon-freshen-up", Time: "03:00 - 03:30 PM", Description: "Freshen Up After School", Icon: "🚿👕", Section: model.SectionAfternoon},
	{ID: "afternoon-tuitions", Time: "03:30 - 04:50 PM", Description: "Tuitions", Icon: "🧑‍🏫", Section: model.SectionAfternoon},
	{ID: "afternoon-islamic-studies", Time: "05:00 - 06:00 PM", Description: "Islamic Studies", Icon: "📖⭐", Section: model.SectionAfternoon},
	{ID: "evening-dinner-screentime", Time: "06:00 - 07:30 PM", Description: "Dinner & Screen Time", Icon: "🍽️📱", Section: model.SectionEvening},
	{ID: "evening-playtime", Time: "07:30 - 08:00 PM", Description: "Play Time Outside", Icon: "⚽🌳", Section: model.SectionEvening},
	{ID: "evening-brush-story", Time: "08:00 - 08:30 PM", Description: "Brush & Story Reading", Icon: "🦷📖", Section: model.SectionEvening},
	{ID: "evening-sleep", Time: "08:30 PM", Description: "Sweet Dreams! (Sleep)", Icon: "😴", Section: model.SectionEvening},
}

// Default returns the built-in daily routine.
func Default() *Template {
	t, err := New(defaultActivities)
	if err != nil {
		panic("template: invalid built-in routine: " + err.Error())
	}
	return t
}
